package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow/persistence"
)

// LoadBalancingStrategy 表示同一能力存在多个 Agent 时的分派倾向。
// 策略随工作流记录并透传给指标与快照，具体选择规则见 SelectionPolicy。
type LoadBalancingStrategy string

const (
	// LoadBalancingCapabilityMatch 按能力与选择规则挑选 Agent，默认策略。
	LoadBalancingCapabilityMatch LoadBalancingStrategy = "capability_match"

	// LoadBalancingRoundRobin 在候选 Agent 间轮转。
	LoadBalancingRoundRobin LoadBalancingStrategy = "round_robin"
)

// 生命周期历史事件名。每次状态迁移都会追加一条对应事件。
const (
	eventCreated   = "created"
	eventAssembled = "assembled"
	eventRunning   = "running"
	eventCompleted = "completed"
	eventFailed    = "failed"
	eventCancelled = "cancelled"
)

// Definition 描述创建工作流所需的全部输入。
type Definition struct {
	// Name 是工作流名称，仅用于展示与日志。
	Name string `json:"name" yaml:"name"`

	// Description 是工作流的可读描述。
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// RequiredCapabilities 按声明顺序列出工作流需要的能力，
	// 组装时每个能力生成一个步骤。
	RequiredCapabilities []types.CapabilityKind `json:"required_capabilities" yaml:"required_capabilities"`

	// MaxAgentsPerCapability 限制每个能力参与的 Agent 数，非正值按 1 处理。
	MaxAgentsPerCapability int `json:"max_agents_per_capability,omitempty" yaml:"max_agents_per_capability,omitempty"`

	// LoadBalancing 指定分派策略，空值按 capability_match 处理。
	LoadBalancing LoadBalancingStrategy `json:"load_balancing,omitempty" yaml:"load_balancing,omitempty"`

	// Metadata 附加在工作流与其快照上的键值标注。
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step 是工作流中的一个执行单元，对应一种能力。
// 字段布局与持久化层的 StepRecord 一一对应。
type Step struct {
	// ID 在所属工作流内唯一。
	ID string `json:"id"`

	// Capability 是该步骤需要的能力种类。
	Capability types.CapabilityKind `json:"capability"`

	// AssignedAgent 是执行该步骤的 Agent，分派时填入。
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// Status 是步骤当前状态。
	Status types.StepStatus `json:"status"`

	// Parameters 是步骤的声明参数，发送前与累积数据合并，
	// 同名键以步骤参数为准。
	Parameters map[string]any `json:"parameters,omitempty"`

	// Result 保存步骤完成后的输出。
	Result map[string]any `json:"result,omitempty"`

	// Error 保存步骤失败时的错误文本。
	Error string `json:"error,omitempty"`

	// NextSteps 列出依赖本步骤的后继步骤 ID。
	NextSteps []string `json:"next_steps,omitempty"`

	// StartedAt 与 CompletedAt 记录步骤的起止时刻。
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Timeout 是步骤级超时覆盖，零值表示使用管理器默认值。
	Timeout time.Duration `json:"timeout,omitempty"`
}

// clone 返回步骤的深拷贝，时间指针与映射均独立。
func (s *Step) clone() *Step {
	out := &Step{
		ID:            s.ID,
		Capability:    s.Capability,
		AssignedAgent: s.AssignedAgent,
		Status:        s.Status,
		Parameters:    clonePayload(s.Parameters),
		Result:        clonePayload(s.Result),
		Error:         s.Error,
		Timeout:       s.Timeout,
	}
	if len(s.NextSteps) > 0 {
		out.NextSteps = append([]string(nil), s.NextSteps...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// record 把步骤转换为持久化层的 StepRecord。
func (s *Step) record() persistence.StepRecord {
	c := s.clone()
	return persistence.StepRecord{
		ID:            c.ID,
		Capability:    c.Capability,
		AssignedAgent: c.AssignedAgent,
		Status:        c.Status,
		Parameters:    c.Parameters,
		Result:        c.Result,
		Error:         c.Error,
		NextSteps:     c.NextSteps,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		Timeout:       c.Timeout,
	}
}

// Workflow 表示一条由能力驱动的多 Agent 工作流。
// 所有字段由内部互斥锁保护，读方法返回拷贝，调用方可自由持有。
type Workflow struct {
	mu sync.RWMutex

	id          string
	name        string
	description string

	status types.WorkflowStatus
	reason string

	requiredCapabilities   []types.CapabilityKind
	maxAgentsPerCapability int
	loadBalancing          LoadBalancingStrategy

	steps   []*Step
	history []persistence.HistoryEntry
	results map[string]any
	meta    map[string]string

	createdAt  time.Time
	updatedAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time

	// cancelExec 在执行期间持有当次运行的取消函数。
	cancelExec context.CancelFunc
}

// NewWorkflow 按定义创建一个 PENDING 状态的工作流并记录 created 事件。
// 步骤在组装阶段生成。
func NewWorkflow(def Definition) *Workflow {
	now := time.Now()
	maxAgents := def.MaxAgentsPerCapability
	if maxAgents <= 0 {
		maxAgents = 1
	}
	strategy := def.LoadBalancing
	if strategy == "" {
		strategy = LoadBalancingCapabilityMatch
	}
	w := &Workflow{
		id:                     uuid.New().String(),
		name:                   def.Name,
		description:            def.Description,
		status:                 types.WorkflowStatusPending,
		requiredCapabilities:   append([]types.CapabilityKind(nil), def.RequiredCapabilities...),
		maxAgentsPerCapability: maxAgents,
		loadBalancing:          strategy,
		results:                make(map[string]any),
		createdAt:              now,
		updatedAt:              now,
	}
	if len(def.Metadata) > 0 {
		w.meta = make(map[string]string, len(def.Metadata))
		for k, v := range def.Metadata {
			w.meta[k] = v
		}
	}
	w.appendHistoryLocked(eventCreated, fmt.Sprintf("workflow %q created", def.Name))
	return w
}

// ID 返回工作流标识。
func (w *Workflow) ID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.id
}

// Name 返回工作流名称。
func (w *Workflow) Name() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.name
}

// Description 返回工作流描述。
func (w *Workflow) Description() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.description
}

// Status 返回工作流当前状态。
func (w *Workflow) Status() types.WorkflowStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Error 返回最近一次失败或取消的说明文本，未出错时为空。
func (w *Workflow) Error() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reason
}

// RequiredCapabilities 返回声明顺序的能力列表拷贝。
func (w *Workflow) RequiredCapabilities() []types.CapabilityKind {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]types.CapabilityKind(nil), w.requiredCapabilities...)
}

// MaxAgentsPerCapability 返回每个能力的 Agent 上限。
func (w *Workflow) MaxAgentsPerCapability() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxAgentsPerCapability
}

// LoadBalancing 返回工作流的分派策略。
func (w *Workflow) LoadBalancing() LoadBalancingStrategy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loadBalancing
}

// Steps 返回全部步骤的深拷贝，顺序与声明顺序一致。
func (w *Workflow) Steps() []Step {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Step, 0, len(w.steps))
	for _, s := range w.steps {
		out = append(out, *s.clone())
	}
	return out
}

// History 返回生命周期事件的拷贝，时间戳单调不减。
func (w *Workflow) History() []persistence.HistoryEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]persistence.HistoryEntry(nil), w.history...)
}

// Results 返回按步骤 ID 聚合的结果拷贝。
func (w *Workflow) Results() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return clonePayload(w.results)
}

// Metadata 返回工作流标注的拷贝。
func (w *Workflow) Metadata() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.meta == nil {
		return nil
	}
	out := make(map[string]string, len(w.meta))
	for k, v := range w.meta {
		out[k] = v
	}
	return out
}

// CreatedAt 返回创建时刻。
func (w *Workflow) CreatedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.createdAt
}

// UpdatedAt 返回最近一次变更时刻。
func (w *Workflow) UpdatedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.updatedAt
}

// ExecutionTime 返回最近一次执行的耗时。
// 执行中返回已运行时长，尚未执行返回零。
func (w *Workflow) ExecutionTime() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.startedAt == nil {
		return 0
	}
	if w.finishedAt != nil {
		return w.finishedAt.Sub(*w.startedAt)
	}
	return time.Since(*w.startedAt)
}

// AddStep 向 PENDING 状态的工作流追加一个步骤。
// 注册外部构建的工作流时使用，组装生成的步骤不经过此方法。
func (w *Workflow) AddStep(step Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != types.WorkflowStatusPending {
		return types.Errorf(types.ErrAssemblyFailed, "workflow %s is %s, steps can only be added while pending", w.id, w.status)
	}
	if step.ID == "" {
		return fmt.Errorf("step id is empty")
	}
	if step.Capability == "" {
		return fmt.Errorf("step %s has no capability", step.ID)
	}
	for _, existing := range w.steps {
		if existing.ID == step.ID {
			return types.Errorf(types.ErrAlreadyRegistered, "step %s already exists", step.ID)
		}
	}
	if step.Status == "" {
		step.Status = types.StepStatusPending
	}
	w.steps = append(w.steps, step.clone())
	w.requiredCapabilities = append(w.requiredCapabilities, step.Capability)
	w.updatedAt = time.Now()
	return nil
}

// step 返回指定步骤的拷贝。
func (w *Workflow) step(stepID string) (Step, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, s := range w.steps {
		if s.ID == stepID {
			return *s.clone(), true
		}
	}
	return Step{}, false
}

// stepIDs 返回步骤 ID 的声明顺序列表。
func (w *Workflow) stepIDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.steps))
	for i, s := range w.steps {
		out[i] = s.ID
	}
	return out
}

// stepCounts 按状态统计步骤数，各状态计数之和等于步骤总数。
func (w *Workflow) stepCounts() map[types.StepStatus]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	counts := make(map[types.StepStatus]int)
	for _, s := range w.steps {
		counts[s.Status]++
	}
	return counts
}

// populateSteps 按能力声明顺序生成步骤，已有步骤时不做任何改动。
func (w *Workflow) populateSteps() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.steps) > 0 {
		return
	}
	for i, kind := range w.requiredCapabilities {
		w.steps = append(w.steps, &Step{
			ID:         fmt.Sprintf("step-%d", i+1),
			Capability: kind,
			Status:     types.StepStatusPending,
		})
	}
	if len(w.steps) > 0 {
		w.updatedAt = time.Now()
	}
}

// markAssembled 把 PENDING 工作流置为 ASSEMBLED 并记录事件。
func (w *Workflow) markAssembled(agentsByKind map[types.CapabilityKind][]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != types.WorkflowStatusPending {
		return
	}
	w.status = types.WorkflowStatusAssembled
	w.appendHistoryLocked(eventAssembled, fmt.Sprintf("%d agents across %d capabilities", countAgents(agentsByKind), len(agentsByKind)))
}

// resetForRun 把所有步骤恢复为 PENDING 并清空上次运行的结果。
// 历史记录只增不减，之前的事件保持原样。
func (w *Workflow) resetForRun() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.steps {
		s.Status = types.StepStatusPending
		s.AssignedAgent = ""
		s.Result = nil
		s.Error = ""
		s.StartedAt = nil
		s.CompletedAt = nil
	}
	w.results = make(map[string]any)
	w.reason = ""
	w.finishedAt = nil
}

// beginRun 把工作流置为 RUNNING，登记取消函数并记录 running 事件。
func (w *Workflow) beginRun(cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.status = types.WorkflowStatusRunning
	w.startedAt = &now
	w.cancelExec = cancel
	w.appendHistoryLocked(eventRunning, fmt.Sprintf("executing %d steps", len(w.steps)))
}

// finishRun 结束一次执行。若执行期间已被取消则保持 CANCELLED 不变，
// 否则迁移到给定的终态并记录对应事件。返回实际生效的状态。
func (w *Workflow) finishRun(status types.WorkflowStatus, reason string) types.WorkflowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.finishedAt = &now
	w.cancelExec = nil
	if w.status == types.WorkflowStatusCancelled {
		return w.status
	}
	w.status = status
	w.reason = reason
	switch status {
	case types.WorkflowStatusCompleted:
		w.appendHistoryLocked(eventCompleted, "all steps completed")
	case types.WorkflowStatusFailed:
		w.appendHistoryLocked(eventFailed, reason)
	default:
		w.appendHistoryLocked(string(status), reason)
	}
	return w.status
}

// markFailed 不经执行直接把工作流置为 FAILED，组装或校验失败时使用。
func (w *Workflow) markFailed(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.IsTerminal() {
		return
	}
	w.status = types.WorkflowStatusFailed
	w.reason = reason
	w.appendHistoryLocked(eventFailed, reason)
}

// cancelRun 把工作流置为 CANCELLED 并返回当次运行的取消函数。
// 已处于终态时返回 false，调用方应在锁外调用返回的取消函数。
func (w *Workflow) cancelRun(reason string) (bool, context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.IsTerminal() {
		return false, nil
	}
	w.status = types.WorkflowStatusCancelled
	w.reason = reason
	cancel := w.cancelExec
	w.cancelExec = nil
	w.appendHistoryLocked(eventCancelled, reason)
	return true, cancel
}

// beginStep 把步骤置为 RUNNING 并记录分派的 Agent 与开始时刻。
func (w *Workflow) beginStep(stepID, agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stepLocked(stepID)
	if s == nil {
		return
	}
	now := time.Now()
	s.Status = types.StepStatusRunning
	s.AssignedAgent = agentID
	s.StartedAt = &now
	s.CompletedAt = nil
	w.updatedAt = now
}

// completeStep 把步骤置为 COMPLETED 并记录结果。
func (w *Workflow) completeStep(stepID string, result map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stepLocked(stepID)
	if s == nil {
		return
	}
	now := time.Now()
	s.Status = types.StepStatusCompleted
	s.Result = clonePayload(result)
	s.Error = ""
	s.CompletedAt = &now
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	w.results[stepID] = clonePayload(result)
	w.updatedAt = now
}

// failStep 把步骤置为 FAILED 并记录错误文本。
func (w *Workflow) failStep(stepID, errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stepLocked(stepID)
	if s == nil {
		return
	}
	now := time.Now()
	s.Status = types.StepStatusFailed
	s.Error = errMsg
	s.CompletedAt = &now
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	w.updatedAt = now
}

// resetAssignedSteps 把分派给指定 Agent 且仍在 RUNNING 的步骤
// 恢复为 PENDING，记录说明文本以便重新执行时重新分派。
// 返回被重置的步骤 ID。
func (w *Workflow) resetAssignedSteps(agentID, errMsg string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var reset []string
	for _, s := range w.steps {
		if s.Status != types.StepStatusRunning || s.AssignedAgent != agentID {
			continue
		}
		s.Status = types.StepStatusPending
		s.AssignedAgent = ""
		s.Error = errMsg
		s.StartedAt = nil
		s.CompletedAt = nil
		reset = append(reset, s.ID)
	}
	if len(reset) > 0 {
		w.updatedAt = time.Now()
	}
	return reset
}

// stepLocked 在持锁状态下按 ID 查找步骤。
func (w *Workflow) stepLocked(stepID string) *Step {
	for _, s := range w.steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// appendHistoryLocked 在持锁状态下追加一条生命周期事件。
// 事件在同一把锁下取当前时间，时间戳保持单调不减。
func (w *Workflow) appendHistoryLocked(event, detail string) {
	now := time.Now()
	w.history = append(w.history, persistence.HistoryEntry{
		Event:     event,
		Detail:    detail,
		Timestamp: now,
	})
	w.updatedAt = now
}

// snapshot 生成当前状态的持久化快照。
// 所有嵌套映射在锁内深拷贝，存储层序列化时不会与后续变更竞争。
func (w *Workflow) snapshot(reason string) *persistence.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap := &persistence.Snapshot{
		WorkflowID:  w.id,
		Name:        w.name,
		Description: w.description,
		Status:      w.status,
		Reason:      reason,
		Results:     clonePayload(w.results),
	}
	if len(w.steps) > 0 {
		snap.Steps = make([]persistence.StepRecord, 0, len(w.steps))
		for _, s := range w.steps {
			snap.Steps = append(snap.Steps, s.record())
		}
	}
	if len(w.history) > 0 {
		snap.History = append([]persistence.HistoryEntry(nil), w.history...)
	}
	if len(w.meta) > 0 {
		snap.Metadata = make(map[string]string, len(w.meta))
		for k, v := range w.meta {
			snap.Metadata[k] = v
		}
	}
	return snap
}

// ExecutionStatus 是一次执行的结果状态。
type ExecutionStatus string

const (
	// ExecutionCompleted 表示全部步骤成功。
	ExecutionCompleted ExecutionStatus = "completed"

	// ExecutionFailed 表示存在失败步骤或执行被取消。
	ExecutionFailed ExecutionStatus = "failed"

	// ExecutionSuccess 是 completed 的别名，外部接口的历史写法。
	ExecutionSuccess ExecutionStatus = "success"
)

// ExecutionResult 是一次工作流执行的汇总结果。
type ExecutionResult struct {
	// WorkflowID 是被执行的工作流。
	WorkflowID string `json:"workflow_id"`

	// Status 是执行结果状态，completed 或 failed。
	Status ExecutionStatus `json:"status"`

	// WorkflowStatus 是执行结束后工作流的状态。
	WorkflowStatus types.WorkflowStatus `json:"workflow_status"`

	// Results 是各步骤输出按键合并后的扁平结果。
	Results map[string]any `json:"results,omitempty"`

	// Error 在执行失败时给出说明。
	Error string `json:"error,omitempty"`
}

// Succeeded 报告执行是否成功，兼容 success 别名。
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == ExecutionCompleted || r.Status == ExecutionSuccess
}

// ToMap 以键值形式返回执行结果，供面向字典的调用方使用。
func (r *ExecutionResult) ToMap() map[string]any {
	out := map[string]any{
		"workflow_id":     r.WorkflowID,
		"status":          string(r.Status),
		"workflow_status": string(r.WorkflowStatus),
		"results":         clonePayload(r.Results),
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// clonePayload 深拷贝一个载荷映射，嵌套的 map[string]any 递归拷贝。
// 其余值按原样共享，调用方把载荷视为只读。
func clonePayload(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// countAgents 统计能力到 Agent 列表映射中的条目总数。
func countAgents(agentsByKind map[types.CapabilityKind][]string) int {
	total := 0
	for _, ids := range agentsByKind {
		total += len(ids)
	}
	return total
}
