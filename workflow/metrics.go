package workflow

import (
	"sync"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// Alert kinds surfaced through system health.
const (
	AlertWorkflowFailed = "workflow_failed"
	AlertStepFailed     = "step_failed"
)

// alertLimit bounds the retained alert list; older alerts are dropped.
const alertLimit = 100

// Alert records a failure the manager observed.
type Alert struct {
	// Kind is the alert kind, workflow_failed or step_failed.
	Kind string `json:"kind"`

	// WorkflowID is the affected workflow.
	WorkflowID string `json:"workflow_id"`

	// StepID is the affected step for step_failed alerts.
	StepID string `json:"step_id,omitempty"`

	// AgentID is the agent involved, when one was assigned.
	AgentID string `json:"agent_id,omitempty"`

	// Message describes the failure.
	Message string `json:"message,omitempty"`

	// Timestamp is when the alert was raised.
	Timestamp time.Time `json:"timestamp"`
}

// Metric section names accepted by GetWorkflowMetrics.
const (
	MetricExecutionTime = "execution_time"
	MetricSteps         = "steps"
	MetricAgents        = "agent_errors"
	MetricSystem        = "system"
	MetricHistory       = "history"
)

// executionStats aggregates manager-wide execution accounting.
type executionStats struct {
	mu            sync.Mutex
	total         int64
	completed     int64
	failed        int64
	cancelled     int64
	totalDuration time.Duration
	agentErrors   map[string]int64
	alerts        []Alert
}

func newExecutionStats() *executionStats {
	return &executionStats{
		agentErrors: make(map[string]int64),
	}
}

// recordExecution counts one finished execution.
func (s *executionStats) recordExecution(status types.WorkflowStatus, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.totalDuration += duration
	switch status {
	case types.WorkflowStatusCompleted:
		s.completed++
	case types.WorkflowStatusCancelled:
		s.cancelled++
	default:
		s.failed++
	}
}

// recordAgentError counts a step failure against its agent.
func (s *executionStats) recordAgentError(agentID string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentErrors[agentID]++
}

// addAlert appends an alert, dropping the oldest past the limit.
func (s *executionStats) addAlert(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > alertLimit {
		s.alerts = s.alerts[len(s.alerts)-alertLimit:]
	}
}

// snapshotAlerts returns a copy of the retained alerts.
func (s *executionStats) snapshotAlerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// agentErrorsCopy returns a copy of the per-agent error counts.
func (s *executionStats) agentErrorsCopy() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.agentErrors))
	for id, n := range s.agentErrors {
		out[id] = n
	}
	return out
}

// summary returns the aggregate execution counters.
func (s *executionStats) summary() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avgMs := float64(0)
	if s.total > 0 {
		avgMs = float64(s.totalDuration.Milliseconds()) / float64(s.total)
	}
	return map[string]any{
		"total":           s.total,
		"completed":       s.completed,
		"failed":          s.failed,
		"cancelled":       s.cancelled,
		"avg_duration_ms": avgMs,
	}
}

// GetWorkflowMetrics returns metric sections for one workflow. An empty
// metricType selects every section; a known section name selects just
// that one; anything else is an error.
func (m *Manager) GetWorkflowMetrics(workflowID, metricType string) (map[string]any, error) {
	w, _, err := m.lookup(workflowID)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"workflow_id": workflowID}
	include := func(section string) bool {
		return metricType == "" || metricType == section
	}
	known := false

	if include(MetricExecutionTime) {
		known = true
		out[MetricExecutionTime] = w.ExecutionTime().Seconds()
	}
	if include(MetricSteps) {
		known = true
		out[MetricSteps] = stepCountSections(w.stepCounts())
	}
	if include(MetricAgents) {
		known = true
		out[MetricAgents] = m.stats.agentErrorsCopy()
	}
	if include(MetricSystem) {
		known = true
		out[MetricSystem] = m.systemCounts()
	}
	if include(MetricHistory) {
		known = true
		out[MetricHistory] = w.History()
	}
	if !known {
		return nil, types.Errorf(types.ErrNotFound, "unknown metric type %q", metricType)
	}
	return out, nil
}

// stepCountSections renders step counts keyed by status name, with
// every status present. The counts sum to the workflow's step total.
func stepCountSections(counts map[types.StepStatus]int) map[string]int {
	out := map[string]int{
		string(types.StepStatusPending):   0,
		string(types.StepStatusRunning):   0,
		string(types.StepStatusCompleted): 0,
		string(types.StepStatusFailed):    0,
		string(types.StepStatusSkipped):   0,
	}
	total := 0
	for status, n := range counts {
		out[string(status)] = n
		total += n
	}
	out["total"] = total
	return out
}

// systemCounts aggregates workflow counts by status plus the execution
// counters.
func (m *Manager) systemCounts() map[string]any {
	m.mu.RLock()
	byStatus := make(map[string]int)
	total := 0
	for _, w := range m.workflows {
		byStatus[string(w.Status())]++
		total++
	}
	m.mu.RUnlock()
	return map[string]any{
		"total_workflows": total,
		"by_status":       byStatus,
		"executions":      m.stats.summary(),
	}
}

// GetSystemHealth reports the manager's overall condition: workflow and
// execution counts, the registered agent count and recent alerts.
func (m *Manager) GetSystemHealth() map[string]any {
	health := map[string]any{
		"workflows": m.systemCounts(),
		"alerts":    m.stats.snapshotAlerts(),
		"running":   m.running.Load(),
	}
	if m.registry != nil {
		health["registered_agents"] = m.registry.Len()
	}
	return health
}

// GetActiveAlerts returns the retained alerts, oldest first.
func (m *Manager) GetActiveAlerts() []Alert {
	return m.stats.snapshotAlerts()
}
