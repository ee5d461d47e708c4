package persistence

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/BaSui01/agentmesh/types"
)

// newRedisStore 在 miniredis 上构造 Redis 快照存储
func newRedisStore(t *testing.T, historyLimit int) (*miniredis.Miniredis, *RedisSnapshotStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("failed to parse miniredis port: %v", err)
	}

	config := DefaultStoreConfig()
	config.Type = StoreTypeRedis
	config.HistoryLimit = historyLimit
	config.Redis.Host = mr.Host()
	config.Redis.Port = port

	store, err := NewRedisSnapshotStore(config)
	if err != nil {
		t.Fatalf("failed to create redis snapshot store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return mr, store
}

// TestRedisSnapshotStore 覆盖 Redis 后端的核心契约
func TestRedisSnapshotStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		_, store := newRedisStore(t, 0)
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetLatest", func(t *testing.T) {
		_, store := newRedisStore(t, 0)

		snap := sampleSnapshot("wf-1", types.WorkflowStatusPending)
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if snap.ID == "" {
			t.Error("SaveSnapshot should assign an id")
		}
		if snap.Seq != 1 {
			t.Errorf("first snapshot should have seq 1, got %d", snap.Seq)
		}

		second := sampleSnapshot("wf-1", types.WorkflowStatusRunning)
		if err := store.SaveSnapshot(ctx, second); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}

		latest, err := store.GetLatest(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetLatest failed: %v", err)
		}
		if latest.Status != types.WorkflowStatusRunning {
			t.Errorf("latest status should be running, got %s", latest.Status)
		}
		if latest.Seq != 2 {
			t.Errorf("latest seq should be 2, got %d", latest.Seq)
		}
		if latest.Steps[0].Timeout != 5*time.Second {
			t.Errorf("step timeout should round-trip, got %v", latest.Steps[0].Timeout)
		}

		if _, err := store.GetLatest(ctx, "unknown"); err != ErrNotFound {
			t.Errorf("unknown workflow should return ErrNotFound, got %v", err)
		}
	})

	t.Run("GetHistoryOrdered", func(t *testing.T) {
		_, store := newRedisStore(t, 0)

		statuses := []types.WorkflowStatus{
			types.WorkflowStatusPending,
			types.WorkflowStatusRunning,
			types.WorkflowStatusCompleted,
		}
		for _, status := range statuses {
			if err := store.SaveSnapshot(ctx, sampleSnapshot("wf-1", status)); err != nil {
				t.Fatalf("SaveSnapshot failed: %v", err)
			}
		}

		history, err := store.GetHistory(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetHistory failed: %v", err)
		}
		if len(history) != len(statuses) {
			t.Fatalf("expected %d snapshots, got %d", len(statuses), len(history))
		}
		for i, snap := range history {
			if snap.Seq != int64(i+1) {
				t.Errorf("snapshot %d should have seq %d, got %d", i, i+1, snap.Seq)
			}
			if snap.Status != statuses[i] {
				t.Errorf("snapshot %d should have status %s, got %s", i, statuses[i], snap.Status)
			}
		}

		if _, err := store.GetHistory(ctx, "unknown"); err != ErrNotFound {
			t.Errorf("unknown workflow should return ErrNotFound, got %v", err)
		}
	})

	t.Run("KeyScheme", func(t *testing.T) {
		mr, store := newRedisStore(t, 0)

		if err := store.SaveSnapshot(ctx, sampleSnapshot("wf-1", types.WorkflowStatusPending)); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}

		for _, key := range mr.Keys() {
			if !strings.HasPrefix(key, "agentmesh:workflow:") {
				t.Errorf("unexpected key outside the workflow namespace: %s", key)
			}
		}
	})

	t.Run("HistoryLimitKeepsSeqMonotonic", func(t *testing.T) {
		_, store := newRedisStore(t, 2)

		for i := 0; i < 4; i++ {
			if err := store.SaveSnapshot(ctx, sampleSnapshot("wf-1", types.WorkflowStatusRunning)); err != nil {
				t.Fatalf("SaveSnapshot failed: %v", err)
			}
		}

		history, err := store.GetHistory(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetHistory failed: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 retained snapshots, got %d", len(history))
		}
		if history[0].Seq != 3 || history[1].Seq != 4 {
			t.Errorf("retained seqs should be [3 4], got [%d %d]", history[0].Seq, history[1].Seq)
		}

		// 淘汰不影响后续编号
		next := sampleSnapshot("wf-1", types.WorkflowStatusCompleted)
		if err := store.SaveSnapshot(ctx, next); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if next.Seq != 5 {
			t.Errorf("seq should stay monotonic after trims, got %d", next.Seq)
		}
	})

	t.Run("ListWorkflows", func(t *testing.T) {
		_, store := newRedisStore(t, 0)

		for _, workflowID := range []string{"wf-c", "wf-a", "wf-b"} {
			store.SaveSnapshot(ctx, sampleSnapshot(workflowID, types.WorkflowStatusPending))
		}

		ids, err := store.ListWorkflows(ctx)
		if err != nil {
			t.Fatalf("ListWorkflows failed: %v", err)
		}
		want := []string{"wf-a", "wf-b", "wf-c"}
		if len(ids) != len(want) {
			t.Fatalf("expected %d workflows, got %d", len(want), len(ids))
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
			}
		}
	})

	t.Run("DeleteWorkflowResetsSeq", func(t *testing.T) {
		mr, store := newRedisStore(t, 0)

		store.SaveSnapshot(ctx, sampleSnapshot("wf-1", types.WorkflowStatusPending))
		store.SaveSnapshot(ctx, sampleSnapshot("wf-1", types.WorkflowStatusCompleted))

		if err := store.DeleteWorkflow(ctx, "wf-1"); err != nil {
			t.Fatalf("DeleteWorkflow failed: %v", err)
		}
		if _, err := store.GetHistory(ctx, "wf-1"); err != ErrNotFound {
			t.Errorf("deleted workflow should return ErrNotFound, got %v", err)
		}
		if err := store.DeleteWorkflow(ctx, "wf-1"); err != ErrNotFound {
			t.Errorf("deleting unknown workflow should return ErrNotFound, got %v", err)
		}
		if len(mr.Keys()) != 0 {
			t.Errorf("all keys should be removed, still have %v", mr.Keys())
		}

		// 删除后重新开始的历史从 1 编号
		fresh := sampleSnapshot("wf-1", types.WorkflowStatusPending)
		if err := store.SaveSnapshot(ctx, fresh); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if fresh.Seq != 1 {
			t.Errorf("seq should restart at 1 after delete, got %d", fresh.Seq)
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		_, store := newRedisStore(t, 0)

		oldDone := sampleSnapshot("wf-old-done", types.WorkflowStatusCompleted)
		oldDone.CapturedAt = time.Now().Add(-48 * time.Hour)
		store.SaveSnapshot(ctx, oldDone)

		store.SaveSnapshot(ctx, sampleSnapshot("wf-fresh-done", types.WorkflowStatusCompleted))

		oldRunning := sampleSnapshot("wf-old-running", types.WorkflowStatusRunning)
		oldRunning.CapturedAt = time.Now().Add(-48 * time.Hour)
		store.SaveSnapshot(ctx, oldRunning)

		count, err := store.Cleanup(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 workflow cleaned up, got %d", count)
		}
		if _, err := store.GetHistory(ctx, "wf-old-done"); err != ErrNotFound {
			t.Error("old terminal workflow should be removed")
		}
		if _, err := store.GetHistory(ctx, "wf-fresh-done"); err != nil {
			t.Errorf("fresh terminal workflow should survive: %v", err)
		}
		if _, err := store.GetHistory(ctx, "wf-old-running"); err != nil {
			t.Errorf("running workflow should survive regardless of age: %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		_, store := newRedisStore(t, 0)

		store.SaveSnapshot(ctx, sampleSnapshot("wf-done", types.WorkflowStatusRunning))
		store.SaveSnapshot(ctx, sampleSnapshot("wf-done", types.WorkflowStatusCompleted))
		store.SaveSnapshot(ctx, sampleSnapshot("wf-live", types.WorkflowStatusRunning))

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Workflows != 2 {
			t.Errorf("expected 2 workflows, got %d", stats.Workflows)
		}
		if stats.Snapshots != 3 {
			t.Errorf("expected 3 snapshots, got %d", stats.Snapshots)
		}
		if stats.ActiveWorkflows != 1 {
			t.Errorf("expected 1 active workflow, got %d", stats.ActiveWorkflows)
		}
		if stats.StatusCounts[types.WorkflowStatusCompleted] != 1 {
			t.Errorf("expected 1 completed workflow, got %d", stats.StatusCounts[types.WorkflowStatusCompleted])
		}
	})
}
