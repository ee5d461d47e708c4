package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/notify"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow/persistence"
)

const (
	// DefaultStepTimeout bounds a single step dispatch.
	DefaultStepTimeout = 5 * time.Second

	// DefaultCacheTTL bounds how long a capability lookup is reused
	// between registry events.
	DefaultCacheTTL = 60 * time.Second
)

// managerSenderID identifies the manager in messages it originates.
const managerSenderID = "workflow-manager"

// Message types used by the manager when talking to agents.
const (
	messageTypeStep       = "workflow_step"
	messageTypePing       = "ping"
	messageTypeDependency = "dependency"
)

// capabilityCacheName labels the manager's capability cache in metrics.
const capabilityCacheName = "workflow_capability"

// Config carries the manager's tunables.
type Config struct {
	// StepTimeout is the default per-step dispatch timeout. A step's
	// Timeout field or a "timeout" entry in the payload overrides it.
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`

	// CacheTTL is the lifetime of cached capability lookups.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// SyntheticWorkers lets the manager register a fallback worker when
	// a step's capability has no live provider at dispatch time.
	SyntheticWorkers bool `json:"synthetic_workers" yaml:"synthetic_workers"`

	// Selection tunes how an agent is chosen among capable candidates.
	Selection *SelectionPolicy `json:"selection" yaml:"selection"`
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() *Config {
	return &Config{
		StepTimeout:      DefaultStepTimeout,
		CacheTTL:         DefaultCacheTTL,
		SyntheticWorkers: true,
		Selection:        DefaultSelectionPolicy(),
	}
}

// capabilityCacheEntry is one cached capability lookup.
type capabilityCacheEntry struct {
	ids       []string
	expiresAt time.Time
}

// Manager assembles and executes capability-driven workflows on top of
// the agent registry. It observes the registry so capability arrivals
// unblock pending workflows and departures release step assignments.
type Manager struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	locks     map[string]*sync.Mutex
	closed    bool

	cacheMu sync.RWMutex
	cache   map[types.CapabilityKind]capabilityCacheEntry

	running atomic.Int64
	stats   *executionStats

	registry  *registry.AgentRegistry
	store     persistence.SnapshotStore
	notifier  *notify.Notifier
	collector *metrics.Collector
	config    *Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

var _ registry.Observer = (*Manager)(nil)

// NewManager creates a workflow manager bound to the registry. A nil
// config selects defaults, a nil store disables persistence and a nil
// logger discards output. The manager registers itself as a registry
// observer; Shutdown detaches it.
func NewManager(reg *registry.AgentRegistry, config *Config, store persistence.SnapshotStore, notifier *notify.Notifier, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	} else {
		cfg := *config
		config = &cfg
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.Selection == nil {
		config.Selection = DefaultSelectionPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		workflows: make(map[string]*Workflow),
		locks:     make(map[string]*sync.Mutex),
		cache:     make(map[types.CapabilityKind]capabilityCacheEntry),
		stats:     newExecutionStats(),
		registry:  reg,
		store:     store,
		notifier:  notifier,
		collector: collector,
		config:    config,
		tracer:    otel.Tracer("agentmesh/workflow"),
		logger:    logger.With(zap.String("component", "workflow_manager")),
	}
	if reg != nil {
		reg.AddObserver(m)
	}
	return m
}

// CreateWorkflow registers a new workflow and attempts an eager
// assembly. Incomplete capability coverage is not an error; the
// workflow stays PENDING and assembles once the capabilities arrive.
func (m *Manager) CreateWorkflow(ctx context.Context, def Definition) (string, error) {
	w := NewWorkflow(def)
	if err := m.insert(w); err != nil {
		return "", err
	}
	m.persist(ctx, w, eventCreated)
	m.logger.Info("workflow created",
		zap.String("workflow_id", w.ID()),
		zap.String("name", def.Name),
		zap.Int("capabilities", len(def.RequiredCapabilities)),
	)

	if report, err := m.AssembleWorkflow(ctx, w.ID()); err != nil {
		m.logger.Debug("eager assembly failed", zap.String("workflow_id", w.ID()), zap.Error(err))
	} else if report.Status != AssemblyStatusSuccess {
		m.logger.Debug("eager assembly deferred",
			zap.String("workflow_id", w.ID()),
			zap.String("error", report.Error),
		)
	}
	return w.ID(), nil
}

// RegisterWorkflow adds an externally constructed workflow to the
// manager. The workflow keeps its own steps and capabilities; it is
// assembled and executed like any created workflow.
func (m *Manager) RegisterWorkflow(ctx context.Context, w *Workflow) error {
	if w == nil {
		return fmt.Errorf("workflow is nil")
	}
	if err := m.insert(w); err != nil {
		return err
	}
	m.persist(ctx, w, "registered")
	m.logger.Info("external workflow registered",
		zap.String("workflow_id", w.ID()),
		zap.String("name", w.Name()),
		zap.Int("steps", len(w.Steps())),
	)
	return nil
}

// insert stores the workflow and its execution lock.
func (m *Manager) insert(w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NewError(types.ErrNotInitialized, "workflow manager is shut down")
	}
	if _, exists := m.workflows[w.ID()]; exists {
		return types.Errorf(types.ErrAlreadyRegistered, "workflow %s already registered", w.ID())
	}
	m.workflows[w.ID()] = w
	m.locks[w.ID()] = &sync.Mutex{}
	return nil
}

// lookup resolves a workflow and its execution lock.
func (m *Manager) lookup(workflowID string) (*Workflow, *sync.Mutex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[workflowID]
	if !ok {
		return nil, nil, types.Errorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}
	return w, m.locks[workflowID], nil
}

// isClosed reports whether Shutdown has run.
func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Assembly report statuses and error kinds.
const (
	AssemblyStatusSuccess = "success"
	AssemblyStatusError   = "error"

	AssemblyErrorMissingCapabilities = "missing_capabilities"
	AssemblyErrorLiveness            = "liveness_failure"
)

// AssemblyReport describes the outcome of an assembly attempt.
type AssemblyReport struct {
	// WorkflowID is the workflow the report refers to.
	WorkflowID string `json:"workflow_id"`

	// Status is "success" or "error".
	Status string `json:"status"`

	// Error names the failure kind when Status is "error".
	Error string `json:"error,omitempty"`

	// Detail carries failure specifics, such as the unresponsive agent.
	Detail string `json:"detail,omitempty"`

	// MissingCapabilities lists the kinds with no live provider.
	MissingCapabilities []types.CapabilityKind `json:"missing_capabilities,omitempty"`

	// Agents maps each available kind to its providers.
	Agents map[types.CapabilityKind][]string `json:"agents,omitempty"`
}

// Succeeded reports whether the assembly attempt succeeded.
func (r *AssemblyReport) Succeeded() bool { return r.Status == AssemblyStatusSuccess }

// AssembleWorkflow materializes the workflow's steps and verifies that
// every required capability has a live provider. On success the
// workflow transitions to ASSEMBLED; assembling an ASSEMBLED workflow
// again reports success without touching its steps. Missing
// capabilities leave the workflow PENDING so a later registry event can
// complete the assembly.
func (m *Manager) AssembleWorkflow(ctx context.Context, workflowID string) (*AssemblyReport, error) {
	w, execMu, err := m.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	execMu.Lock()
	defer execMu.Unlock()
	return m.assembleLocked(ctx, w)
}

// assembleLocked runs one assembly attempt. The caller holds the
// workflow's execution lock.
func (m *Manager) assembleLocked(ctx context.Context, w *Workflow) (*AssemblyReport, error) {
	switch status := w.Status(); status {
	case types.WorkflowStatusAssembled:
		report := m.registry.ValidateCapabilities(w.RequiredCapabilities())
		return &AssemblyReport{
			WorkflowID: w.ID(),
			Status:     AssemblyStatusSuccess,
			Agents:     copyAgentsByKind(report.AgentsByKind),
		}, nil
	case types.WorkflowStatusPending:
		// Proceed below.
	default:
		return nil, types.Errorf(types.ErrAssemblyFailed, "workflow %s is %s, expected pending", w.ID(), status)
	}

	w.populateSteps()

	report := m.registry.ValidateCapabilities(w.RequiredCapabilities())
	if !report.Satisfied() {
		m.logger.Debug("assembly blocked by missing capabilities",
			zap.String("workflow_id", w.ID()),
			zap.Int("missing", len(report.Missing)),
		)
		return &AssemblyReport{
			WorkflowID:          w.ID(),
			Status:              AssemblyStatusError,
			Error:               AssemblyErrorMissingCapabilities,
			MissingCapabilities: append([]types.CapabilityKind(nil), report.Missing...),
		}, nil
	}

	// One liveness ping per capability, to the first provider.
	var leadAgents []string
	for _, kind := range w.RequiredCapabilities() {
		ids := report.AgentsByKind[kind]
		if len(ids) == 0 {
			continue
		}
		if err := m.pingAgent(ctx, ids[0], w.ID()); err != nil {
			m.logger.Warn("liveness ping failed",
				zap.String("workflow_id", w.ID()),
				zap.String("agent_id", ids[0]),
				zap.String("capability", kind.String()),
				zap.Error(err),
			)
			return &AssemblyReport{
				WorkflowID: w.ID(),
				Status:     AssemblyStatusError,
				Error:      AssemblyErrorLiveness,
				Detail:     fmt.Sprintf("agent %s did not answer the liveness ping", ids[0]),
			}, nil
		}
		leadAgents = append(leadAgents, ids[0])
	}

	w.markAssembled(report.AgentsByKind)
	m.persist(ctx, w, eventAssembled)
	if m.notifier != nil {
		m.notifier.NotifyWorkflowAssembled(w.ID(), w.Name(), leadAgents)
	}
	m.logger.Info("workflow assembled",
		zap.String("workflow_id", w.ID()),
		zap.Int("steps", len(w.Steps())),
		zap.Strings("lead_agents", leadAgents),
	)
	return &AssemblyReport{
		WorkflowID: w.ID(),
		Status:     AssemblyStatusSuccess,
		Agents:     copyAgentsByKind(report.AgentsByKind),
	}, nil
}

// pingAgent sends a liveness ping bounded by the step timeout.
func (m *Manager) pingAgent(ctx context.Context, agentID, workflowID string) error {
	target, err := m.registry.GetAgent(agentID)
	if err != nil {
		return err
	}
	msg, err := types.NewMessage(managerSenderID, agentID, map[string]any{
		"ping":        true,
		"workflow_id": workflowID,
	})
	if err != nil {
		return err
	}
	_, err = m.dispatchBounded(ctx, target, msg.WithType(messageTypePing), m.config.StepTimeout)
	return err
}

// CancelWorkflow cancels a workflow regardless of its current phase.
// The cancellation is recorded in the history, persisted and, when an
// execution is in flight, its context is cancelled.
func (m *Manager) CancelWorkflow(ctx context.Context, workflowID string) error {
	w, _, err := m.lookup(workflowID)
	if err != nil {
		return err
	}
	return m.cancel(ctx, w, "Workflow cancelled by request")
}

// StopWorkflow cancels a workflow that is currently RUNNING. Stopping a
// workflow in any other phase is an error.
func (m *Manager) StopWorkflow(ctx context.Context, workflowID string) error {
	w, _, err := m.lookup(workflowID)
	if err != nil {
		return err
	}
	if status := w.Status(); status != types.WorkflowStatusRunning {
		return types.Errorf(types.ErrCancelled, "workflow %s is %s, stop requires a running workflow", workflowID, status)
	}
	return m.cancel(ctx, w, "Workflow cancelled by stop request")
}

// cancel performs the shared cancellation: terminal states are sticky,
// everything else transitions to CANCELLED with the given reason.
func (m *Manager) cancel(ctx context.Context, w *Workflow, reason string) error {
	ok, cancelExec := w.cancelRun(reason)
	if !ok {
		return types.Errorf(types.ErrCancelled, "workflow %s is already %s", w.ID(), w.Status())
	}
	if cancelExec != nil {
		cancelExec()
	}
	m.persist(ctx, w, eventCancelled)
	m.logger.Info("workflow cancelled",
		zap.String("workflow_id", w.ID()),
		zap.String("reason", reason),
	)
	return nil
}

// GetWorkflow returns the workflow with the given id.
func (m *Manager) GetWorkflow(workflowID string) (*Workflow, error) {
	w, _, err := m.lookup(workflowID)
	return w, err
}

// GetWorkflowStatus returns the workflow's current status.
func (m *Manager) GetWorkflowStatus(workflowID string) (types.WorkflowStatus, error) {
	w, _, err := m.lookup(workflowID)
	if err != nil {
		return "", err
	}
	return w.Status(), nil
}

// ListWorkflows returns all workflows ordered by creation time.
func (m *Manager) ListWorkflows() []*Workflow {
	m.mu.RLock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, w)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].CreatedAt(), out[j].CreatedAt()
		if ci.Equal(cj) {
			return out[i].ID() < out[j].ID()
		}
		return ci.Before(cj)
	})
	return out
}

// Len returns the number of managed workflows.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workflows)
}

// capableAgents returns live agents advertising the kind, served from
// the TTL cache between registry events. Cached ids whose agents have
// since departed are dropped on read.
func (m *Manager) capableAgents(kind types.CapabilityKind) []agent.Agent {
	m.cacheMu.RLock()
	entry, ok := m.cache[kind]
	m.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		m.collector.RecordCacheHit(capabilityCacheName)
		agents := make([]agent.Agent, 0, len(entry.ids))
		for _, id := range entry.ids {
			if a, err := m.registry.GetAgent(id); err == nil {
				agents = append(agents, a)
			}
		}
		return agents
	}

	m.collector.RecordCacheMiss(capabilityCacheName)
	agents := m.registry.GetAgentsByCapability(kind)
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID()
	}
	m.cacheMu.Lock()
	m.cache[kind] = capabilityCacheEntry{ids: ids, expiresAt: time.Now().Add(m.config.CacheTTL)}
	m.cacheMu.Unlock()
	return agents
}

// ClearCache drops all cached capability lookups.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[types.CapabilityKind]capabilityCacheEntry)
	m.cacheMu.Unlock()
}

// OnAgentRegistered implements registry.Observer. Fresh capability data
// invalidates the cache and may unblock PENDING workflows.
func (m *Manager) OnAgentRegistered(agentID string, capabilities []types.Capability) {
	m.ClearCache()
	m.assemblePending()
}

// OnAgentUnregistered implements registry.Observer. Steps assigned to
// the departed agent are released for reassignment.
func (m *Manager) OnAgentUnregistered(agentID string) {
	m.ClearCache()
	m.releaseAssignments(agentID)
}

// OnCapabilityUpdated implements registry.Observer.
func (m *Manager) OnCapabilityUpdated(agentID string, added, removed []types.Capability) {
	m.ClearCache()
	m.assemblePending()
}

// assemblePending retries assembly for workflows still waiting on
// capabilities. Attempts that fail leave the workflow PENDING for the
// next registry event. Workflows that are busy assembling or executing
// are skipped rather than waited on; the status check runs before the
// execution lock is taken, so a registry change triggered from inside
// an execution cannot deadlock against it.
func (m *Manager) assemblePending() {
	ctx := context.Background()
	for _, w := range m.pendingWorkflows() {
		execMu := m.lockFor(w.ID())
		if execMu == nil {
			continue
		}
		execMu.Lock()
		if w.Status() == types.WorkflowStatusPending {
			if report, err := m.assembleLocked(ctx, w); err == nil && report.Succeeded() {
				m.logger.Info("pending workflow assembled after registry change",
					zap.String("workflow_id", w.ID()),
				)
			}
		}
		execMu.Unlock()
	}
}

// pendingWorkflows snapshots the workflows currently in PENDING.
func (m *Manager) pendingWorkflows() []*Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*Workflow
	for _, w := range m.workflows {
		if w.Status() == types.WorkflowStatusPending {
			pending = append(pending, w)
		}
	}
	return pending
}

// runningWorkflows snapshots the workflows currently in RUNNING.
func (m *Manager) runningWorkflows() []*Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var running []*Workflow
	for _, w := range m.workflows {
		if w.Status() == types.WorkflowStatusRunning {
			running = append(running, w)
		}
	}
	return running
}

// lockFor returns the execution lock of a workflow, or nil when the
// workflow is gone.
func (m *Manager) lockFor(workflowID string) *sync.Mutex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locks[workflowID]
}

// releaseAssignments resets RUNNING steps assigned to a departed agent
// back to PENDING so a later execution can reassign them.
func (m *Manager) releaseAssignments(agentID string) {
	for _, w := range m.runningWorkflows() {
		reset := w.resetAssignedSteps(agentID, fmt.Sprintf("assigned agent %s unregistered", agentID))
		if len(reset) > 0 {
			m.logger.Warn("released steps of departed agent",
				zap.String("workflow_id", w.ID()),
				zap.String("agent_id", agentID),
				zap.Strings("steps", reset),
			)
		}
	}
}

// persist saves a snapshot of the workflow. Persistence failures are
// logged and never fail the calling operation.
func (m *Manager) persist(ctx context.Context, w *Workflow, reason string) {
	if m.store == nil {
		return
	}
	snap := w.snapshot(reason)
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Warn("workflow snapshot save failed",
			zap.String("workflow_id", w.ID()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// Shutdown cancels every RUNNING workflow, persists the cancellations
// and detaches the manager from the registry. Subsequent CreateWorkflow
// and ExecuteWorkflow calls are rejected. Shutdown is idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	workflows := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		workflows = append(workflows, w)
	}
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.RemoveObserver(m)
	}

	cancelled := 0
	for _, w := range workflows {
		if w.Status() != types.WorkflowStatusRunning {
			continue
		}
		ok, cancelExec := w.cancelRun("shutdown")
		if !ok {
			continue
		}
		if cancelExec != nil {
			cancelExec()
		}
		m.persist(ctx, w, eventCancelled)
		cancelled++
	}

	m.logger.Info("workflow manager shut down",
		zap.Int("workflows", len(workflows)),
		zap.Int("cancelled", cancelled),
	)
	return nil
}

// copyAgentsByKind deep-copies a capability to providers mapping.
func copyAgentsByKind(src map[types.CapabilityKind][]string) map[types.CapabilityKind][]string {
	if src == nil {
		return nil
	}
	out := make(map[types.CapabilityKind][]string, len(src))
	for kind, ids := range src {
		out[kind] = append([]string(nil), ids...)
	}
	return out
}
