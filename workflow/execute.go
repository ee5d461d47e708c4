package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/types"
)

// agentTypeSynthetic marks fallback workers spawned by the manager.
const agentTypeSynthetic = "synthetic"

// runState tracks one execution's bookkeeping. A single goroutine runs
// the step loop under the workflow's execution lock, so no locking.
type runState struct {
	// accumulated is the initial data plus every completed step's
	// output; it forms the payload of subsequent step messages.
	accumulated map[string]any

	// merged holds completed step outputs only and becomes the
	// execution result.
	merged map[string]any

	// invoked records dependency targets already triggered.
	invoked map[string]bool

	// completedBy records agents that completed at least one step.
	completedBy map[string]bool
}

func newRunState(initial map[string]any) *runState {
	rs := &runState{
		accumulated: clonePayload(initial),
		merged:      make(map[string]any),
		invoked:     make(map[string]bool),
		completedBy: make(map[string]bool),
	}
	if rs.accumulated == nil {
		rs.accumulated = make(map[string]any)
	}
	return rs
}

// absorb folds a completed step's output into the running state.
func (rs *runState) absorb(result map[string]any) {
	for k, v := range result {
		rs.accumulated[k] = v
		rs.merged[k] = v
	}
}

// satisfied reports whether every listed dependency has completed a step.
func (rs *runState) satisfied(deps []string) bool {
	for _, dep := range deps {
		if !rs.completedBy[dep] {
			return false
		}
	}
	return true
}

// ExecuteWorkflow runs the workflow's steps in declaration order. A
// PENDING workflow gets one lazy assembly attempt first; a workflow
// that still has no runnable steps fails with missing_capabilities. A
// failing step is recorded and execution continues with the remaining
// steps; any failed step makes the final workflow status FAILED. The
// workflow's terminal state is persisted before the call returns, also
// when the caller's context expires mid-run.
func (m *Manager) ExecuteWorkflow(ctx context.Context, workflowID string, initialData map[string]any) (*ExecutionResult, error) {
	w, execMu, err := m.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	execMu.Lock()
	defer execMu.Unlock()

	if m.isClosed() {
		return nil, types.NewError(types.ErrNotInitialized, "workflow manager is shut down")
	}
	if w.Status() == types.WorkflowStatusCancelled {
		return nil, types.Errorf(types.ErrCancelled, "workflow %s is cancelled", workflowID)
	}

	ctx, span := m.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", w.ID()),
		attribute.String("workflow.name", w.Name()),
	))
	defer span.End()

	if w.Status() == types.WorkflowStatusPending {
		report, aerr := m.assembleLocked(ctx, w)
		if aerr != nil {
			span.RecordError(aerr)
			return nil, aerr
		}
		if !report.Succeeded() {
			return m.failValidation(ctx, w, report.Error), nil
		}
	}
	if len(w.Steps()) == 0 {
		return m.failValidation(ctx, w, AssemblyErrorMissingCapabilities), nil
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	w.resetForRun()
	w.beginRun(cancelExec)
	m.persist(execCtx, w, eventRunning)
	m.collector.SetRunningWorkflows(int(m.running.Add(1)))
	defer func() {
		m.collector.SetRunningWorkflows(int(m.running.Add(-1)))
	}()
	m.logger.Info("workflow execution started",
		zap.String("workflow_id", w.ID()),
		zap.Int("steps", len(w.Steps())),
	)

	start := time.Now()
	run := newRunState(initialData)
	var abortErr error

	for _, stepID := range w.stepIDs() {
		if err := m.runStep(execCtx, w, stepID, run); err != nil {
			if w.Status() != types.WorkflowStatusCancelled {
				abortErr = err
			}
			break
		}
	}

	duration := time.Since(start)
	counts := w.stepCounts()
	failedSteps := counts[types.StepStatusFailed]
	totalSteps := len(w.stepIDs())

	var final types.WorkflowStatus
	var reason string
	switch {
	case abortErr != nil:
		final = types.WorkflowStatusFailed
		reason = abortErr.Error()
	case failedSteps > 0:
		final = types.WorkflowStatusFailed
		reason = fmt.Sprintf("%d of %d steps failed", failedSteps, totalSteps)
	default:
		final = types.WorkflowStatusCompleted
	}
	actual := w.finishRun(final, reason)

	// The terminal snapshot must land even when the caller's context
	// has already expired.
	m.persist(context.WithoutCancel(ctx), w, string(actual))
	m.stats.recordExecution(actual, duration)
	m.collector.RecordWorkflowExecution(string(actual), duration)
	if actual == types.WorkflowStatusFailed {
		m.raiseFailureAlerts(w)
	}
	span.SetAttributes(attribute.String("workflow.status", string(actual)))
	m.logger.Info("workflow execution finished",
		zap.String("workflow_id", w.ID()),
		zap.String("status", string(actual)),
		zap.Int("failed_steps", failedSteps),
		zap.Duration("duration", duration),
	)

	if abortErr != nil {
		span.RecordError(abortErr)
		return nil, abortErr
	}

	result := &ExecutionResult{
		WorkflowID:     w.ID(),
		WorkflowStatus: actual,
		Results:        clonePayload(run.merged),
	}
	switch actual {
	case types.WorkflowStatusCompleted:
		result.Status = ExecutionCompleted
	case types.WorkflowStatusCancelled:
		result.Status = ExecutionFailed
		result.Error = w.Error()
	default:
		result.Status = ExecutionFailed
		result.Error = reason
	}
	return result, nil
}

// failValidation marks a workflow that cannot run as FAILED and builds
// the matching execution result.
func (m *Manager) failValidation(ctx context.Context, w *Workflow, reason string) *ExecutionResult {
	w.markFailed(reason)
	m.persist(ctx, w, eventFailed)
	m.stats.recordExecution(types.WorkflowStatusFailed, 0)
	m.collector.RecordWorkflowExecution(string(types.WorkflowStatusFailed), 0)
	m.stats.addAlert(Alert{
		Kind:       AlertWorkflowFailed,
		WorkflowID: w.ID(),
		Message:    reason,
		Timestamp:  time.Now(),
	})
	m.logger.Warn("workflow rejected before execution",
		zap.String("workflow_id", w.ID()),
		zap.String("reason", reason),
	)
	return &ExecutionResult{
		WorkflowID:     w.ID(),
		Status:         ExecutionFailed,
		WorkflowStatus: w.Status(),
		Error:          reason,
	}
}

// runStep executes a single step. Step failures are recorded on the
// step and return nil so the loop continues; a non-nil error means the
// execution context died and the run must stop.
func (m *Manager) runStep(ctx context.Context, w *Workflow, stepID string, run *runState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	step, ok := w.step(stepID)
	if !ok {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", w.ID()),
		attribute.String("step.id", step.ID),
		attribute.String("step.capability", step.Capability.String()),
	))
	defer span.End()

	target, err := m.agentForStep(ctx, step.Capability)
	if err != nil {
		w.failStep(stepID, err.Error())
		m.logger.Warn("no agent for step",
			zap.String("workflow_id", w.ID()),
			zap.String("step_id", stepID),
			zap.String("capability", step.Capability.String()),
			zap.Error(err),
		)
		span.RecordError(err)
		return nil
	}
	span.SetAttributes(attribute.String("step.agent", target.ID()))
	m.ensureCapability(ctx, target.ID(), step.Capability)

	w.beginStep(stepID, target.ID())

	content := stepContent(w, step, run)
	timeout := m.stepTimeout(step, content)
	msg, err := types.NewMessage(managerSenderID, target.ID(), content)
	if err != nil {
		w.failStep(stepID, err.Error())
		span.RecordError(err)
		return nil
	}

	started := time.Now()
	result, derr := m.dispatchBounded(ctx, target, msg.WithType(messageTypeStep), timeout)
	m.collector.RecordStepDuration(step.Capability.String(), time.Since(started))

	if derr != nil {
		if cerr := ctx.Err(); cerr != nil {
			// The run itself died: either a cancellation or the
			// caller's deadline. The step keeps a terminal record.
			if w.Status() == types.WorkflowStatusCancelled {
				w.failStep(stepID, "cancelled")
			} else {
				w.failStep(stepID, cerr.Error())
			}
			span.RecordError(cerr)
			return cerr
		}
		errMsg := derr.Error()
		if types.IsErrorCode(derr, types.ErrTimeout) {
			errMsg = "timeout"
		}
		w.failStep(stepID, errMsg)
		m.stats.recordAgentError(target.ID())
		m.logger.Warn("workflow step failed",
			zap.String("workflow_id", w.ID()),
			zap.String("step_id", stepID),
			zap.String("agent_id", target.ID()),
			zap.Error(derr),
		)
		span.RecordError(derr)
		return nil
	}

	w.completeStep(stepID, result)
	run.absorb(result)
	run.completedBy[target.ID()] = true
	m.fanOut(ctx, w, run, target)
	m.logger.Debug("workflow step completed",
		zap.String("workflow_id", w.ID()),
		zap.String("step_id", stepID),
		zap.String("agent_id", target.ID()),
	)
	return nil
}

// stepContent builds the payload for a step message: the accumulated
// data first, then the step's declared parameters (which win on key
// conflicts), then the routing keys.
func stepContent(w *Workflow, step Step, run *runState) map[string]any {
	content := clonePayload(run.accumulated)
	for k, v := range step.Parameters {
		content[k] = v
	}
	content["workflow_id"] = w.ID()
	content["step_id"] = step.ID
	content["capability"] = step.Capability.String()
	return content
}

// stepTimeout resolves the effective dispatch timeout: an explicit step
// override wins, then a "timeout" entry in the payload (a number of
// seconds or a duration string), then the manager default.
func (m *Manager) stepTimeout(step Step, payload map[string]any) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if raw, ok := payload[types.ContentKeyTimeout]; ok {
		switch v := raw.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		case int64:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		case time.Duration:
			if v > 0 {
				return v
			}
		case string:
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				return d
			}
		}
	}
	return m.config.StepTimeout
}

// stepOutcome carries a dispatch result across the timeout boundary.
type stepOutcome struct {
	result map[string]any
	err    error
}

// dispatch invokes the agent. Step payloads prefer the typed executor
// interface; everything else goes through message processing.
func dispatch(ctx context.Context, target agent.Agent, msg types.Message) (map[string]any, error) {
	if ex, ok := target.(types.Executor); ok && msg.Type == messageTypeStep {
		return ex.Execute(ctx, msg.Content)
	}
	resp, err := target.ProcessMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// dispatchBounded runs dispatch under the timeout. The dispatch runs in
// its own goroutine with a buffered channel, so an agent that ignores
// context cancellation is abandoned rather than waited on.
func (m *Manager) dispatchBounded(ctx context.Context, target agent.Agent, msg types.Message, timeout time.Duration) (map[string]any, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan stepOutcome, 1)
	go func() {
		result, err := dispatch(dctx, target, msg)
		ch <- stepOutcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-dctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, types.Errorf(types.ErrTimeout, "agent %s exceeded step timeout %s", target.ID(), timeout)
	}
}

// agentForStep resolves a live agent for the capability, falling back
// to a synthetic worker when the config permits.
func (m *Manager) agentForStep(ctx context.Context, kind types.CapabilityKind) (agent.Agent, error) {
	candidates := m.capableAgents(kind)
	if selected := m.selectAgent(kind, candidates); selected != nil {
		return selected, nil
	}
	if m.config.SyntheticWorkers {
		return m.syntheticWorker(ctx, kind)
	}
	return nil, types.Errorf(types.ErrRouteFailed, "no agent available for capability %s", kind)
}

// syntheticWorker registers (or reuses) the fallback worker for a kind.
// Worker ids are deterministic, so repeated fallbacks share one agent.
func (m *Manager) syntheticWorker(ctx context.Context, kind types.CapabilityKind) (agent.Agent, error) {
	id := fmt.Sprintf("%s_worker", kind)
	if existing, err := m.registry.GetAgent(id); err == nil {
		return existing, nil
	}
	worker := agent.NewBaseAgent(agent.Config{
		ID:   id,
		Name: id,
		Type: agentTypeSynthetic,
	}, nil, nil, m.logger)
	if err := m.registry.Register(ctx, worker, types.NewCapability(kind, "")); err != nil {
		return nil, err
	}
	m.collector.RecordSyntheticWorker()
	m.logger.Warn("synthetic fallback worker registered",
		zap.String("agent_id", id),
		zap.String("capability", kind.String()),
	)
	return worker, nil
}

// ensureCapability adds the capability to the agent when a cached
// selection outruns a capability removal, so dispatch stays valid.
func (m *Manager) ensureCapability(ctx context.Context, agentID string, kind types.CapabilityKind) {
	caps := m.registry.CapabilitiesOf(agentID)
	for _, c := range caps {
		if c.Is(kind) {
			return
		}
	}
	updated := append(caps, types.NewCapability(kind, ""))
	if err := m.registry.UpdateAgentCapabilities(ctx, agentID, updated); err != nil {
		m.logger.Warn("adding step capability failed",
			zap.String("agent_id", agentID),
			zap.String("capability", kind.String()),
			zap.Error(err),
		)
		return
	}
	m.logger.Debug("added missing step capability",
		zap.String("agent_id", agentID),
		zap.String("capability", kind.String()),
	)
}

// fanOut triggers dependency consumers after a completed step: first
// the primary agent's declared dependencies, then every registered
// agent whose declared dependencies are all satisfied. Each target is
// triggered at most once per execution.
func (m *Manager) fanOut(ctx context.Context, w *Workflow, run *runState, primary agent.Agent) {
	for _, dep := range declaredDependencies(primary) {
		m.trigger(ctx, w, run, dep)
	}
	for _, candidate := range m.registry.ListAgents() {
		deps := declaredDependencies(candidate)
		if len(deps) == 0 || run.invoked[candidate.ID()] {
			continue
		}
		if !run.satisfied(deps) {
			continue
		}
		m.trigger(ctx, w, run, candidate.ID())
	}
}

// trigger sends a one-shot dependency notification. Failures are
// logged and never affect the step outcome.
func (m *Manager) trigger(ctx context.Context, w *Workflow, run *runState, agentID string) {
	if agentID == "" || run.invoked[agentID] {
		return
	}
	target, err := m.registry.GetAgent(agentID)
	if err != nil {
		m.logger.Debug("dependency target not registered",
			zap.String("workflow_id", w.ID()),
			zap.String("agent_id", agentID),
		)
		return
	}
	run.invoked[agentID] = true

	content := clonePayload(run.accumulated)
	content["workflow_id"] = w.ID()
	content["trigger"] = "dependency_ready"
	msg, err := types.NewMessage(managerSenderID, agentID, content)
	if err != nil {
		return
	}
	if _, err := m.dispatchBounded(ctx, target, msg.WithType(messageTypeDependency), m.config.StepTimeout); err != nil {
		m.logger.Warn("dependency trigger failed",
			zap.String("workflow_id", w.ID()),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

// raiseFailureAlerts records a workflow failure and its failed steps.
func (m *Manager) raiseFailureAlerts(w *Workflow) {
	now := time.Now()
	m.stats.addAlert(Alert{
		Kind:       AlertWorkflowFailed,
		WorkflowID: w.ID(),
		Message:    w.Error(),
		Timestamp:  now,
	})
	for _, step := range w.Steps() {
		if step.Status != types.StepStatusFailed {
			continue
		}
		m.stats.addAlert(Alert{
			Kind:       AlertStepFailed,
			WorkflowID: w.ID(),
			StepID:     step.ID,
			AgentID:    step.AssignedAgent,
			Message:    step.Error,
			Timestamp:  now,
		})
	}
}
