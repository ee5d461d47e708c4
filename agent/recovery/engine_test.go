package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/types"
)

// newErrorAgent 构造一个已初始化并被置为 ERROR 的 Agent
func newErrorAgent(t *testing.T, caps ...types.Capability) *agent.BaseAgent {
	t.Helper()
	a := agent.NewBaseAgent(agent.Config{ID: "agent-under-recovery", Capabilities: caps}, nil, nil, zap.NewNop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := a.UpdateStatus(context.Background(), types.AgentStatusError); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	return a
}

func TestEngine_GetStrategySelection(t *testing.T) {
	engine := NewEngine(zap.NewNop())

	// 每个错误类别解析到对应策略，未知类别回退到默认策略
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{ErrorKindTimeout, "timeout_recovery"},
		{ErrorKindResourceExhaustion, "resource_exhaustion_recovery"},
		{ErrorKindCommunication, "communication_recovery"},
		{ErrorKindStateCorruption, "state_corruption_recovery"},
		{ErrorKindUnknown, "default_recovery"},
		{ErrorKind("no_such_kind"), "default_recovery"},
	}
	for _, tt := range tests {
		if got := engine.GetStrategy(tt.kind).Name(); got != tt.want {
			t.Errorf("GetStrategy(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestEngine_ExtraStrategiesShadowBuiltins(t *testing.T) {
	// 外部注入的策略先于内建策略被查询
	custom := &stubStrategy{name: "custom_timeout", kinds: kindSet(ErrorKindTimeout), result: true}
	engine := NewEngine(zap.NewNop(), custom)

	if got := engine.GetStrategy(ErrorKindTimeout).Name(); got != "custom_timeout" {
		t.Fatalf("GetStrategy(timeout) = %q, want custom_timeout", got)
	}
	if got := engine.GetStrategy(ErrorKindCommunication).Name(); got != "communication_recovery" {
		t.Fatalf("GetStrategy(communication) = %q, want communication_recovery", got)
	}
}

func TestEngine_RecoverTimeoutRestoresIdle(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	a := newErrorAgent(t)

	// 超时恢复：策略执行成功后 Agent 回到 IDLE
	if ok := engine.Recover(context.Background(), a, ErrorKindTimeout); !ok {
		t.Fatal("Recover() = false, want true")
	}
	if got := a.Status(); got != types.AgentStatusIdle {
		t.Fatalf("Status() = %q, want %q", got, types.AgentStatusIdle)
	}
}

func TestEngine_RecoverRespectsDeadline(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	a := newErrorAgent(t)

	// 已过期的 context：恢复失败，Agent 保持 ERROR
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()

	if ok := engine.Recover(ctx, a, ErrorKindTimeout); ok {
		t.Fatal("Recover() = true with expired context, want false")
	}
	if got := a.Status(); got != types.AgentStatusError {
		t.Fatalf("Status() = %q, want %q", got, types.AgentStatusError)
	}
}

func TestEngine_RecoverNeverPanics(t *testing.T) {
	panicking := &stubStrategy{name: "panicking", kinds: kindSet(ErrorKindTimeout), panics: true}
	engine := NewEngine(zap.NewNop(), panicking)
	a := newErrorAgent(t)

	// 策略内部 panic 不得逃逸到调用方
	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Recover() panicked: %v", r)
				done <- false
				return
			}
		}()
		done <- engine.Recover(context.Background(), a, ErrorKindTimeout)
	}()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Recover() = true after strategy panic, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Recover() did not return")
	}
}

func TestEngine_StateCorruptionRestoresSnapshot(t *testing.T) {
	sensing := types.NewCapability(types.CapabilityKindSensorReading, "1.0")
	analysis := types.NewCapability(types.CapabilityKindAnalysis, "1.0")

	a := agent.NewBaseAgent(agent.Config{
		ID:           "corrupted-agent",
		Capabilities: []types.Capability{sensing, analysis},
	}, nil, nil, zap.NewNop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// 模拟状态损坏：丢失一个能力并进入 ERROR
	if err := a.RemoveCapability(context.Background(), analysis); err != nil {
		t.Fatalf("RemoveCapability() error = %v", err)
	}
	if err := a.UpdateStatus(context.Background(), types.AgentStatusError); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	engine := NewEngine(zap.NewNop())
	if ok := engine.Recover(context.Background(), a, ErrorKindStateCorruption); !ok {
		t.Fatal("Recover() = false, want true")
	}

	// 恢复后能力集回到初始化时的快照
	if got := a.Status(); got != types.AgentStatusIdle {
		t.Fatalf("Status() = %q, want %q", got, types.AgentStatusIdle)
	}
	if !a.CapabilitySet().HasKind(types.CapabilityKindAnalysis) {
		t.Fatal("restored agent is missing the analysis capability from the snapshot")
	}
	if !a.CapabilitySet().HasKind(types.CapabilityKindSensorReading) {
		t.Fatal("restored agent is missing the sensor_reading capability from the snapshot")
	}
}

func TestEngine_RecoverLeavesOfflineAgentAlone(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	a := agent.NewBaseAgent(agent.Config{ID: "offline-agent"}, nil, nil, zap.NewNop())

	// 未初始化（OFFLINE）的 Agent 不可被恢复为可服务状态
	if ok := engine.Recover(context.Background(), a, ErrorKindTimeout); ok {
		t.Fatal("Recover() = true for an offline agent, want false")
	}
	if got := a.Status(); got != types.AgentStatusOffline {
		t.Fatalf("Status() = %q, want %q", got, types.AgentStatusOffline)
	}
}

func TestEngine_MaintenanceHooksDriven(t *testing.T) {
	a := newErrorAgent(t)
	hooked := &hookedAgent{BaseAgent: a}
	engine := NewEngine(zap.NewNop())

	// 通信恢复只重置通信通道，不触碰状态快照
	if ok := engine.Recover(context.Background(), hooked, ErrorKindCommunication); !ok {
		t.Fatal("Recover() = false, want true")
	}
	if hooked.commResets != 1 {
		t.Errorf("ResetCommunications calls = %d, want 1", hooked.commResets)
	}
	if hooked.restores != 0 {
		t.Errorf("RestoreState calls = %d, want 0", hooked.restores)
	}

	// 状态损坏恢复驱动备份与恢复钩子
	if err := hooked.UpdateStatus(context.Background(), types.AgentStatusError); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if ok := engine.Recover(context.Background(), hooked, ErrorKindStateCorruption); !ok {
		t.Fatal("Recover() = false, want true")
	}
	if hooked.backups != 1 {
		t.Errorf("BackupState calls = %d, want 1", hooked.backups)
	}
	if hooked.restores != 1 {
		t.Errorf("RestoreState calls = %d, want 1", hooked.restores)
	}
}

func TestEngine_FailedHookLeavesAgentError(t *testing.T) {
	a := newErrorAgent(t)
	hooked := &hookedAgent{BaseAgent: a, commErr: errors.New("transport still down")}
	engine := NewEngine(zap.NewNop())

	// 恢复步骤失败：返回 false 且 Agent 保持 ERROR
	if ok := engine.Recover(context.Background(), hooked, ErrorKindCommunication); ok {
		t.Fatal("Recover() = true despite failing hook, want false")
	}
	if got := hooked.Status(); got != types.AgentStatusError {
		t.Fatalf("Status() = %q, want %q", got, types.AgentStatusError)
	}
}

func TestParseErrorKind(t *testing.T) {
	tests := []struct {
		in   string
		want ErrorKind
	}{
		{"timeout", ErrorKindTimeout},
		{"resource_exhaustion", ErrorKindResourceExhaustion},
		{"communication", ErrorKindCommunication},
		{"state_corruption", ErrorKindStateCorruption},
		{"unknown", ErrorKindUnknown},
		{"", ErrorKindUnknown},
		{"something_else", ErrorKindUnknown},
	}
	for _, tt := range tests {
		if got := ParseErrorKind(tt.in); got != tt.want {
			t.Errorf("ParseErrorKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorKindUnknown},
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"wrapped deadline", types.NewError(types.ErrProcessingFailed, "step").WithCause(context.DeadlineExceeded), ErrorKindTimeout},
		{"timeout code", types.NewError(types.ErrTimeout, "step timed out"), ErrorKindTimeout},
		{"route failed", types.NewError(types.ErrRouteFailed, "no route"), ErrorKindCommunication},
		{"persistence failed", types.NewError(types.ErrPersistenceFailed, "store down"), ErrorKindStateCorruption},
		{"plain error", errors.New("boom"), ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

// stubStrategy 测试替身：固定结果或触发 panic
type stubStrategy struct {
	name   string
	kinds  map[ErrorKind]bool
	result bool
	panics bool
}

func (s *stubStrategy) Name() string               { return s.name }
func (s *stubStrategy) CanHandle(k ErrorKind) bool { return s.kinds[k] }
func (s *stubStrategy) Recover(ctx context.Context, target agent.Agent) bool {
	if s.panics {
		panic("strategy exploded")
	}
	return s.result
}

// hookedAgent 统计维护钩子调用次数的测试替身
type hookedAgent struct {
	*agent.BaseAgent
	commResets int
	backups    int
	restores   int
	commErr    error
}

func (h *hookedAgent) ResetCommunications(ctx context.Context) error {
	h.commResets++
	if h.commErr != nil {
		return h.commErr
	}
	return h.BaseAgent.ResetCommunications(ctx)
}

func (h *hookedAgent) BackupState(ctx context.Context) error {
	h.backups++
	return h.BaseAgent.BackupState(ctx)
}

func (h *hookedAgent) RestoreState(ctx context.Context) error {
	h.restores++
	return h.BaseAgent.RestoreState(ctx)
}
