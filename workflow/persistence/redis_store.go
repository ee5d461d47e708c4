package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentmesh/types"
)

// RedisSnapshotStore is a Redis-based implementation of SnapshotStore.
// Suitable for distributed production deployments. Snapshot payloads are
// stored as JSON strings; per-workflow histories are Redis lists and the
// workflow index is a sorted set scored by last capture time.
type RedisSnapshotStore struct {
	client    *redis.Client
	keyPrefix string
	config    StoreConfig
}

// NewRedisSnapshotStore creates a new Redis-based snapshot store
func NewRedisSnapshotStore(config StoreConfig) (*RedisSnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}

	store := &RedisSnapshotStore{
		client:    client,
		keyPrefix: keyPrefix + "workflow:",
		config:    config,
	}

	return store, nil
}

// Close closes the store
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// snapKey returns the Redis key for a snapshot payload
func (s *RedisSnapshotStore) snapKey(snapshotID string) string {
	return s.keyPrefix + "snap:" + snapshotID
}

// historyKey returns the Redis key for a workflow's history list
func (s *RedisSnapshotStore) historyKey(workflowID string) string {
	return s.keyPrefix + "history:" + workflowID
}

// seqKey returns the Redis key for a workflow's sequence counter
func (s *RedisSnapshotStore) seqKey(workflowID string) string {
	return s.keyPrefix + "seq:" + workflowID
}

// allKey returns the Redis key for the workflow index
func (s *RedisSnapshotStore) allKey() string {
	return s.keyPrefix + "all"
}

// SaveSnapshot appends a snapshot to its workflow's history
func (s *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return ErrInvalidInput
	}

	// Generate ID if not set
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}

	// The counter survives history trims, keeping Seq monotonic
	seq, err := s.client.Incr(ctx, s.seqKey(snap.WorkflowID)).Result()
	if err != nil {
		return err
	}
	snap.Seq = seq

	// Serialize snapshot
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.Pipeline()

	// Store snapshot payload
	pipe.Set(ctx, s.snapKey(snap.ID), data, 0)

	// Append to the workflow's history
	pipe.RPush(ctx, s.historyKey(snap.WorkflowID), snap.ID)

	// Update workflow index with the last capture time
	pipe.ZAdd(ctx, s.allKey(), redis.Z{
		Score:  float64(snap.CapturedAt.UnixNano()),
		Member: snap.WorkflowID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if s.config.HistoryLimit > 0 {
		s.trimHistory(ctx, snap.WorkflowID)
	}

	return nil
}

// trimHistory drops the oldest snapshots beyond the configured limit.
// Trimming is best-effort; the snapshot itself is already saved.
func (s *RedisSnapshotStore) trimHistory(ctx context.Context, workflowID string) {
	key := s.historyKey(workflowID)

	length, err := s.client.LLen(ctx, key).Result()
	if err != nil || length <= int64(s.config.HistoryLimit) {
		return
	}

	excess := length - int64(s.config.HistoryLimit)
	dropped, err := s.client.LRange(ctx, key, 0, excess-1).Result()
	if err != nil {
		return
	}

	pipe := s.client.Pipeline()
	for _, snapshotID := range dropped {
		pipe.Del(ctx, s.snapKey(snapshotID))
	}
	pipe.LTrim(ctx, key, excess, -1)
	_, _ = pipe.Exec(ctx)
}

// getSnapshot retrieves a snapshot payload by id
func (s *RedisSnapshotStore) getSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapKey(snapshotID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// GetLatest retrieves the most recent snapshot of a workflow
func (s *RedisSnapshotStore) GetLatest(ctx context.Context, workflowID string) (*Snapshot, error) {
	ids, err := s.client.LRange(ctx, s.historyKey(workflowID), -1, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	return s.getSnapshot(ctx, ids[0])
}

// GetHistory retrieves all snapshots of a workflow in capture order
func (s *RedisSnapshotStore) GetHistory(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	ids, err := s.client.LRange(ctx, s.historyKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	result := make([]*Snapshot, 0, len(ids))
	for _, snapshotID := range ids {
		snap, err := s.getSnapshot(ctx, snapshotID)
		if err != nil {
			continue
		}
		result = append(result, snap)
	}

	return result, nil
}

// ListWorkflows returns all workflow ids in lexicographic order
func (s *RedisSnapshotStore) ListWorkflows(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return ids, nil
}

// DeleteWorkflow removes a workflow's entire snapshot history
func (s *RedisSnapshotStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	ids, err := s.client.LRange(ctx, s.historyKey(workflowID), 0, -1).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNotFound
	}

	pipe := s.client.Pipeline()

	for _, snapshotID := range ids {
		pipe.Del(ctx, s.snapKey(snapshotID))
	}
	pipe.Del(ctx, s.historyKey(workflowID))
	pipe.Del(ctx, s.seqKey(workflowID))
	pipe.ZRem(ctx, s.allKey(), workflowID)

	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes histories of terminal workflows older than the specified duration
func (s *RedisSnapshotStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	count := 0

	// Index scores are last capture times, so this range holds every
	// workflow that has not been captured since the cutoff
	workflowIDs, err := s.client.ZRangeByScore(ctx, s.allKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, workflowID := range workflowIDs {
		latest, err := s.GetLatest(ctx, workflowID)
		if err != nil {
			continue
		}
		if !latest.Status.IsTerminal() {
			continue
		}
		if err := s.DeleteWorkflow(ctx, workflowID); err == nil {
			count++
		}
	}

	return count, nil
}

// Stats returns statistics about the snapshot store
func (s *RedisSnapshotStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		StatusCounts: make(map[types.WorkflowStatus]int64),
	}

	workflowIDs, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	for _, workflowID := range workflowIDs {
		stats.Workflows++

		length, err := s.client.LLen(ctx, s.historyKey(workflowID)).Result()
		if err == nil {
			stats.Snapshots += length
		}

		latest, err := s.GetLatest(ctx, workflowID)
		if err != nil {
			continue
		}
		stats.StatusCounts[latest.Status]++
		if !latest.Status.IsTerminal() {
			stats.ActiveWorkflows++
		}
	}

	return stats, nil
}

// Ensure RedisSnapshotStore implements SnapshotStore
var _ SnapshotStore = (*RedisSnapshotStore)(nil)
