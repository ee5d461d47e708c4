package persistence

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

var sqlTestDSN int64

// newSQLStore 构造独立命名的共享内存 SQLite 快照存储
func newSQLStore(t *testing.T, historyLimit int) *SQLSnapshotStore {
	t.Helper()

	config := DefaultStoreConfig()
	config.Type = StoreTypeSQL
	config.HistoryLimit = historyLimit
	config.SQL.DSN = fmt.Sprintf("file:snapshots_test_%d?mode=memory&cache=shared", atomic.AddInt64(&sqlTestDSN, 1))

	store, err := NewSQLSnapshotStore(config)
	if err != nil {
		t.Fatalf("failed to create sql snapshot store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

// TestSQLSnapshotStore 覆盖 SQL 后端的核心契约
func TestSQLSnapshotStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		store := newSQLStore(t, 0)
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("UnsupportedDriver", func(t *testing.T) {
		config := DefaultStoreConfig()
		config.SQL.Driver = "oracle"

		if _, err := NewSQLSnapshotStore(config); err == nil {
			t.Error("expected error for unsupported driver")
		}
	})

	t.Run("SaveAndGetLatest", func(t *testing.T) {
		store := newSQLStore(t, 0)

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

		if _, err := store.GetLatest(ctx, "unknown"); err != ErrNotFound {
			t.Errorf("unknown workflow should return ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		store := newSQLStore(t, 0)

		if err := store.SaveSnapshot(ctx, nil); err != ErrInvalidInput {
			t.Errorf("nil snapshot should be rejected, got %v", err)
		}
		if err := store.SaveSnapshot(ctx, &Snapshot{}); err != ErrInvalidInput {
			t.Errorf("snapshot without workflow id should be rejected, got %v", err)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		store := newSQLStore(t, 0)

		snap := sampleSnapshot("wf-1", types.WorkflowStatusRunning)
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}

		stored, err := store.GetLatest(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetLatest failed: %v", err)
		}
		if stored.Name != "sensor-pipeline" {
			t.Errorf("name mismatch: got %s", stored.Name)
		}
		if len(stored.Steps) != 1 || stored.Steps[0].Capability != types.CapabilityKindAnalysis {
			t.Error("steps should round-trip through the payload")
		}
		if stored.Steps[0].Timeout != 5*time.Second {
			t.Errorf("step timeout should round-trip, got %v", stored.Steps[0].Timeout)
		}
		if stored.Steps[0].Result["anomaly"] != true {
			t.Error("step result should round-trip")
		}
		if stored.Metadata["source"] != "test" {
			t.Error("metadata should round-trip")
		}
		if len(stored.History) != 1 || stored.History[0].Event != "created" {
			t.Error("history entries should round-trip")
		}
	})

	t.Run("GetHistoryOrdered", func(t *testing.T) {
		store := newSQLStore(t, 0)

		statuses := []types.WorkflowStatus{
			types.WorkflowStatusPending,
			types.WorkflowStatusRunning,
			types.WorkflowStatusFailed,
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

	t.Run("HistoryLimitKeepsSeqMonotonic", func(t *testing.T) {
		store := newSQLStore(t, 2)

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

		next := sampleSnapshot("wf-1", types.WorkflowStatusCompleted)
		if err := store.SaveSnapshot(ctx, next); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if next.Seq != 5 {
			t.Errorf("seq should stay monotonic after trims, got %d", next.Seq)
		}
	})

	t.Run("ListWorkflows", func(t *testing.T) {
		store := newSQLStore(t, 0)

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

	t.Run("DeleteWorkflow", func(t *testing.T) {
		store := newSQLStore(t, 0)

		store.SaveSnapshot(ctx, sampleSnapshot("wf-1", types.WorkflowStatusPending))

		if err := store.DeleteWorkflow(ctx, "wf-1"); err != nil {
			t.Fatalf("DeleteWorkflow failed: %v", err)
		}
		if _, err := store.GetHistory(ctx, "wf-1"); err != ErrNotFound {
			t.Errorf("deleted workflow should return ErrNotFound, got %v", err)
		}
		if err := store.DeleteWorkflow(ctx, "wf-1"); err != ErrNotFound {
			t.Errorf("deleting unknown workflow should return ErrNotFound, got %v", err)
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		store := newSQLStore(t, 0)

		oldDone := sampleSnapshot("wf-old-done", types.WorkflowStatusCancelled)
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
		store := newSQLStore(t, 0)

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
