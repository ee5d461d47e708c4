package agent

import (
	"context"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// Agent 定义核心行为接口
type Agent interface {
	// 身份标识
	ID() string
	Type() string

	// 生命周期
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// 能力与状态
	Capabilities(ctx context.Context) ([]types.Capability, error)
	AddCapability(ctx context.Context, c types.Capability) error
	RemoveCapability(ctx context.Context, c types.Capability) error
	Status() types.AgentStatus
	UpdateStatus(ctx context.Context, status types.AgentStatus) error
	GetStatus() StatusReport

	// 消息处理
	ProcessMessage(ctx context.Context, msg types.Message) (types.Message, error)
}

// StatusReport is an agent's self-description at a point in time.
type StatusReport struct {
	AgentID         string             `json:"agent_id"`
	Status          types.AgentStatus  `json:"status"`
	Capabilities    []types.Capability `json:"capabilities"`
	MessageCount    int                `json:"message_count"`
	LastMessageTime time.Time          `json:"last_message_time,omitempty"`
}

// Handler supplies an agent's domain behavior for one message. BaseAgent
// owns locking, status transitions and history; the handler only turns a
// request payload into a response payload.
type Handler interface {
	Handle(ctx context.Context, msg types.Message) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg types.Message) (map[string]any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg types.Message) (map[string]any, error) {
	return f(ctx, msg)
}

// EchoHandler acknowledges every message by echoing its content. It is the
// default behavior for agents constructed without a handler.
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg types.Message) (map[string]any, error) {
		return map[string]any{
			"acknowledged": true,
			"echo":         msg.Content,
		}, nil
	})
}
