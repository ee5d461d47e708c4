package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// SnapshotStore defines the interface for workflow snapshot persistence.
// Every save appends a new snapshot to the workflow's history, so the
// store holds the full state trajectory of each workflow, not just the
// latest state.
type SnapshotStore interface {
	Store

	// SaveSnapshot appends a snapshot to its workflow's history.
	// The store assigns ID, Seq and CapturedAt when they are unset.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// GetLatest retrieves the most recent snapshot of a workflow
	GetLatest(ctx context.Context, workflowID string) (*Snapshot, error)

	// GetHistory retrieves all snapshots of a workflow in capture order
	GetHistory(ctx context.Context, workflowID string) ([]*Snapshot, error)

	// ListWorkflows returns the ids of all workflows with at least one
	// snapshot, in lexicographic order
	ListWorkflows(ctx context.Context) ([]string, error)

	// DeleteWorkflow removes a workflow's entire snapshot history
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Cleanup removes histories of terminal workflows whose latest
	// snapshot is older than the specified duration
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns statistics about the snapshot store
	Stats(ctx context.Context) (*StoreStats, error)
}

// Snapshot is one captured state of a workflow
type Snapshot struct {
	// ID is the unique identifier for the snapshot
	ID string `json:"id"`

	// WorkflowID is the workflow this snapshot belongs to
	WorkflowID string `json:"workflow_id"`

	// Name is the workflow name
	Name string `json:"name,omitempty"`

	// Description is the workflow description
	Description string `json:"description,omitempty"`

	// Status is the workflow status at capture time
	Status types.WorkflowStatus `json:"status"`

	// Reason describes what triggered the snapshot
	Reason string `json:"reason,omitempty"`

	// Seq is the position of the snapshot in its workflow's history.
	// It is assigned by the store and stays monotonic even after older
	// snapshots have been trimmed.
	Seq int64 `json:"seq"`

	// Steps contains the per-step state at capture time
	Steps []StepRecord `json:"steps,omitempty"`

	// History contains the workflow's lifecycle log at capture time
	History []HistoryEntry `json:"history,omitempty"`

	// Results contains aggregated per-step results
	Results map[string]interface{} `json:"results,omitempty"`

	// Metadata contains additional workflow metadata
	Metadata map[string]string `json:"metadata,omitempty"`

	// CapturedAt is when the snapshot was taken
	CapturedAt time.Time `json:"captured_at"`
}

// IsTerminal returns true if the snapshot captures a terminal workflow state
func (s *Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Clone returns a deep copy of the snapshot via a JSON round trip, so
// later mutations of the original (including nested step results) do
// not leak into the copy.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// StepRecord is the persisted state of a single workflow step
type StepRecord struct {
	// ID is the step identifier, unique within the workflow
	ID string `json:"id"`

	// Capability is the capability kind the step requires
	Capability types.CapabilityKind `json:"capability"`

	// AssignedAgent is the agent selected to execute the step
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// Status is the step status at capture time
	Status types.StepStatus `json:"status"`

	// Parameters contains the step input parameters
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Result contains the step result (when completed)
	Result map[string]interface{} `json:"result,omitempty"`

	// Error contains the error message (when failed)
	Error string `json:"error,omitempty"`

	// NextSteps are the ids of steps that depend on this one
	NextSteps []string `json:"next_steps,omitempty"`

	// StartedAt is when the step started executing
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the step finished
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Timeout is the per-step timeout override
	Timeout time.Duration `json:"timeout,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (r StepRecord) MarshalJSON() ([]byte, error) {
	type Alias StepRecord
	var timeout string
	if r.Timeout != 0 {
		timeout = r.Timeout.String()
	}
	return json.Marshal(&struct {
		Alias
		Timeout string `json:"timeout,omitempty"`
	}{
		Alias:   (Alias)(r),
		Timeout: timeout,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *StepRecord) UnmarshalJSON(data []byte) error {
	type Alias StepRecord
	aux := &struct {
		*Alias
		Timeout string `json:"timeout,omitempty"`
	}{
		Alias: (*Alias)(r),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		duration, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return err
		}
		r.Timeout = duration
	}
	return nil
}

// Duration returns the step duration (or time since start if still running)
func (r *StepRecord) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// HistoryEntry is one event in a workflow's lifecycle log
type HistoryEntry struct {
	// Event is the event name (created, assembled, cancelled, ...)
	Event string `json:"event"`

	// Detail is an optional human-readable description
	Detail string `json:"detail,omitempty"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// StoreStats contains statistics about the snapshot store
type StoreStats struct {
	// Workflows is the number of workflows with at least one snapshot
	Workflows int64 `json:"workflows"`

	// Snapshots is the total number of stored snapshots
	Snapshots int64 `json:"snapshots"`

	// ActiveWorkflows is the number of workflows whose latest snapshot
	// is in a non-terminal state
	ActiveWorkflows int64 `json:"active_workflows"`

	// StatusCounts is the workflow count per latest-snapshot status
	StatusCounts map[types.WorkflowStatus]int64 `json:"status_counts"`
}
