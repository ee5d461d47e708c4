package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentmesh/types"
)

// FileSnapshotStore 是基于文件的 SnapshotStore 实现。
// 适合单节点生产部署，重启后快照历史仍然可用。
type FileSnapshotStore struct {
	baseDir   string
	histories map[string][]*Snapshot // 内存缓存，磁盘为权威副本
	mu        sync.RWMutex
	closed    bool
	config    StoreConfig
}

// NewFileSnapshotStore 创建基于文件的快照存储
func NewFileSnapshotStore(config StoreConfig) (*FileSnapshotStore, error) {
	baseDir := filepath.Join(config.BaseDir, "workflows")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot store directory: %w", err)
	}

	store := &FileSnapshotStore{
		baseDir:   baseDir,
		histories: make(map[string][]*Snapshot),
		config:    config,
	}

	// 装入已存在的快照历史
	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load snapshots from disk: %w", err)
	}

	// 启用后开始清理 goroutine
	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store, nil
}

// loadFromDisk 从磁盘加载全部快照历史到内存
func (s *FileSnapshotStore) loadFromDisk() error {
	indexPath := filepath.Join(s.baseDir, "index.json")
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil // No existing data
	}
	if err != nil {
		return err
	}

	var histories map[string][]*Snapshot
	if err := json.Unmarshal(data, &histories); err != nil {
		return err
	}

	s.histories = histories
	if s.histories == nil {
		s.histories = make(map[string][]*Snapshot)
	}

	return nil
}

// saveToDisk 将全部快照历史持久化到磁盘
func (s *FileSnapshotStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.histories, "", "  ")
	if err != nil {
		return err
	}

	// 原子写: 写入临时文件后重命名
	indexPath := filepath.Join(s.baseDir, "index.json")
	tempPath := indexPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, indexPath)
}

// Close 关闭存储并落盘
func (s *FileSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.saveToDisk()
}

// Ping 检查存储是否健康
func (s *FileSnapshotStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveSnapshot 将快照追加到所属工作流的历史并落盘
func (s *FileSnapshotStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}

	// Seq 从最新保留的快照继续递增
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

	return s.saveToDisk()
}

// GetLatest 获取工作流最近一次的快照
func (s *FileSnapshotStore) GetLatest(ctx context.Context, workflowID string) (*Snapshot, error) {
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

// GetHistory 按捕获顺序获取工作流的全部快照
func (s *FileSnapshotStore) GetHistory(ctx context.Context, workflowID string) ([]*Snapshot, error) {
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

// ListWorkflows 按字典序返回全部工作流 id
func (s *FileSnapshotStore) ListWorkflows(ctx context.Context) ([]string, error) {
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

// DeleteWorkflow 删除工作流的全部快照历史
func (s *FileSnapshotStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.histories[workflowID]; !ok {
		return ErrNotFound
	}

	delete(s.histories, workflowID)

	return s.saveToDisk()
}

// Cleanup 删除早于指定时长的终态工作流历史
func (s *FileSnapshotStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for workflowID, history := range s.histories {
		latest := history[len(history)-1]

		// 仅清理不会再推进的工作流
		if !latest.Status.IsTerminal() {
			continue
		}

		if latest.CapturedAt.Before(cutoff) {
			delete(s.histories, workflowID)
			count++
		}
	}

	if count > 0 {
		if err := s.saveToDisk(); err != nil {
			return count, err
		}
	}

	return count, nil
}

// Stats 返回快照存储的统计信息
func (s *FileSnapshotStore) Stats(ctx context.Context) (*StoreStats, error) {
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

// cleanupLoop 周期执行清理
func (s *FileSnapshotStore) cleanupLoop(interval time.Duration) {
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

// Ensure FileSnapshotStore implements SnapshotStore
var _ SnapshotStore = (*FileSnapshotStore)(nil)
