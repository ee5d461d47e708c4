package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentmesh/types"
)

// MemorySnapshotStore is an in-memory implementation of SnapshotStore.
// Suitable for development and testing. Data is lost on restart.
type MemorySnapshotStore struct {
	histories map[string][]*Snapshot
	mu        sync.RWMutex
	closed    bool
	config    StoreConfig
}

// NewMemorySnapshotStore creates a new in-memory snapshot store
func NewMemorySnapshotStore(config StoreConfig) *MemorySnapshotStore {
	store := &MemorySnapshotStore{
		histories: make(map[string][]*Snapshot),
		config:    config,
	}

	// Start cleanup goroutine if enabled
	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store
}

// Close closes the store
func (s *MemorySnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemorySnapshotStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveSnapshot appends a snapshot to its workflow's history.
// The store keeps a deep copy, so the caller is free to keep mutating
// the workflow state the snapshot was taken from.
func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Generate ID if not set
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}

	// Seq continues from the newest retained snapshot
	history := s.histories[snap.WorkflowID]
	snap.Seq = 1
	if len(history) > 0 {
		snap.Seq = history[len(history)-1].Seq + 1
	}

	stored, err := snap.Clone()
	if err != nil {
		return err
	}

	history = append(history, stored)
	if limit := s.config.HistoryLimit; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	s.histories[snap.WorkflowID] = history

	return nil
}

// GetLatest retrieves the most recent snapshot of a workflow
func (s *MemorySnapshotStore) GetLatest(ctx context.Context, workflowID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	history, ok := s.histories[workflowID]
	if !ok || len(history) == 0 {
		return nil, ErrNotFound
	}

	return history[len(history)-1], nil
}

// GetHistory retrieves all snapshots of a workflow in capture order
func (s *MemorySnapshotStore) GetHistory(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	history, ok := s.histories[workflowID]
	if !ok || len(history) == 0 {
		return nil, ErrNotFound
	}

	result := make([]*Snapshot, len(history))
	copy(result, history)
	return result, nil
}

// ListWorkflows returns all workflow ids in lexicographic order
func (s *MemorySnapshotStore) ListWorkflows(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(s.histories))
	for workflowID := range s.histories {
		ids = append(ids, workflowID)
	}
	sort.Strings(ids)

	return ids, nil
}

// DeleteWorkflow removes a workflow's entire snapshot history
func (s *MemorySnapshotStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.histories[workflowID]; !ok {
		return ErrNotFound
	}

	delete(s.histories, workflowID)

	return nil
}

// Cleanup removes histories of terminal workflows older than the specified duration
func (s *MemorySnapshotStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for workflowID, history := range s.histories {
		latest := history[len(history)-1]

		// Only cleanup workflows that can no longer make progress
		if !latest.Status.IsTerminal() {
			continue
		}

		if latest.CapturedAt.Before(cutoff) {
			delete(s.histories, workflowID)
			count++
		}
	}

	return count, nil
}

// Stats returns statistics about the snapshot store
func (s *MemorySnapshotStore) Stats(ctx context.Context) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{
		StatusCounts: make(map[types.WorkflowStatus]int64),
	}

	for _, history := range s.histories {
		stats.Workflows++
		stats.Snapshots += int64(len(history))

		latest := history[len(history)-1]
		stats.StatusCounts[latest.Status]++
		if !latest.Status.IsTerminal() {
			stats.ActiveWorkflows++
		}
	}

	return stats, nil
}

// cleanupLoop runs periodic cleanup
func (s *MemorySnapshotStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()

		if closed {
			return
		}

		_, _ = s.Cleanup(context.Background(), s.config.Cleanup.Retention)
	}
}

// Ensure MemorySnapshotStore implements SnapshotStore
var _ SnapshotStore = (*MemorySnapshotStore)(nil)
