package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// ExecuteFunc 执行类型化载荷并返回结果
type ExecuteFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// ExecutorAgent 在 BaseAgent 之上实现 types.Executor，
// 供偏好类型化载荷的工作流步骤直接调用；消息分发路径复用同一执行函数。
type ExecutorAgent struct {
	*BaseAgent
	execute ExecuteFunc
}

var _ types.Executor = (*ExecutorAgent)(nil)
var _ Agent = (*ExecutorAgent)(nil)

// NewExecutorAgent 创建带类型化执行函数的 Agent。
// execute 为 nil 时退化为确认应答。
func NewExecutorAgent(cfg Config, execute ExecuteFunc, logger *zap.Logger) *ExecutorAgent {
	ea := &ExecutorAgent{execute: execute}
	ea.BaseAgent = NewBaseAgent(cfg, HandlerFunc(func(ctx context.Context, msg types.Message) (map[string]any, error) {
		return ea.run(ctx, msg.Content)
	}), nil, logger)
	return ea
}

// Execute 实现 types.Executor：获取 per-agent 锁并执行类型化载荷。
// 状态转换与消息处理路径一致：BUSY → IDLE，失败转 ERROR。
func (e *ExecutorAgent) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if !e.isInitialized() {
		return nil, types.NewError(types.ErrNotInitialized, "agent is not initialized").WithAgent(e.ID())
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.setStatus(types.AgentStatusBusy)
	result, err := e.run(ctx, payload)
	if err != nil {
		e.setStatus(types.AgentStatusError)
		return nil, types.NewError(types.ErrProcessingFailed, "payload execution failed").
			WithCause(err).
			WithAgent(e.ID())
	}

	e.recordActivity("executed typed payload")
	e.setStatus(types.AgentStatusIdle)
	return result, nil
}

func (e *ExecutorAgent) run(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if e.execute == nil {
		return map[string]any{"acknowledged": true}, nil
	}
	return e.execute(ctx, payload)
}
