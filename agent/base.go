package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// TypeGeneric 通用 Agent 类型
const TypeGeneric = "generic"

// DefaultHistoryLimit bounds the per-agent message history.
const DefaultHistoryLimit = 100

// Config Agent 配置
type Config struct {
	ID           string             `json:"id"`
	Name         string             `json:"name,omitempty"`
	Type         string             `json:"type,omitempty"`
	Description  string             `json:"description,omitempty"`
	Capabilities []types.Capability `json:"capabilities,omitempty"`
	HistoryLimit int                `json:"history_limit,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`

	// Dependencies 声明该 Agent 依赖的上游 Agent ID。
	// 工作流管理器据此做生产者优先选择与依赖触发。
	Dependencies []string `json:"dependencies,omitempty"`
}

// ActivityRecord 记录一次消息处理活动
type ActivityRecord struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// BaseAgent 提供可复用的状态管理、消息历史与能力集。
// 并发约定：procMu 为 per-agent 锁，串行化消息处理与能力变更；
// statusMu 保护状态读写；initMu 为初始化闩锁。
type BaseAgent struct {
	config Config

	statusMu sync.RWMutex
	status   types.AgentStatus

	procMu sync.Mutex
	initMu sync.Mutex

	initialized bool

	caps *CapabilitySet

	histMu      sync.Mutex
	history     []types.Message
	lastMessage time.Time
	activity    []ActivityRecord
	backup      *lastGood

	handler Handler
	graph   KnowledgeGraph
	logger  *zap.Logger
}

var _ Agent = (*BaseAgent)(nil)
var _ types.Named = (*BaseAgent)(nil)

// NewBaseAgent 创建基础 Agent。handler 为 nil 时使用 EchoHandler，
// graph 为可选的知识图谱协作者，logger 为 nil 时使用 zap.NewNop()。
func NewBaseAgent(cfg Config, handler Handler, graph KnowledgeGraph, logger *zap.Logger) *BaseAgent {
	if cfg.Type == "" {
		cfg.Type = TypeGeneric
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if handler == nil {
		handler = EchoHandler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaseAgent{
		config:  cfg,
		status:  types.AgentStatusOffline,
		caps:    &CapabilitySet{},
		handler: handler,
		graph:   graph,
		logger:  logger.With(zap.String("agent_id", cfg.ID), zap.String("agent_type", cfg.Type)),
	}
}

// ID 返回 Agent ID
func (b *BaseAgent) ID() string { return b.config.ID }

// Name 返回 Agent 名称
func (b *BaseAgent) Name() string { return b.config.Name }

// Type 返回 Agent 类型
func (b *BaseAgent) Type() string { return b.config.Type }

// Config 返回配置
func (b *BaseAgent) Config() Config { return b.config }

// Dependencies 返回声明的上游 Agent ID 快照
func (b *BaseAgent) Dependencies() []string {
	out := make([]string, len(b.config.Dependencies))
	copy(out, b.config.Dependencies)
	return out
}

// Logger 返回日志器
func (b *BaseAgent) Logger() *zap.Logger { return b.logger }

// Status 返回当前状态
func (b *BaseAgent) Status() types.AgentStatus {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// setStatus updates the status under the status lock without reflecting
// into the knowledge graph. Hot-path processing transitions use it; the
// public UpdateStatus also mirrors the graph.
func (b *BaseAgent) setStatus(status types.AgentStatus) {
	b.statusMu.Lock()
	b.status = status
	b.statusMu.Unlock()
}

// isInitialized 返回初始化闩锁状态
func (b *BaseAgent) isInitialized() bool {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	return b.initialized
}

// Initialize 初始化 Agent。重复调用是幂等的。
// 引导能力集，并在提供了知识图谱协作者时完成其初始化；
// 仅在协作者初始化失败时返回 INITIALIZATION_FAILED。
func (b *BaseAgent) Initialize(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.initialized {
		return nil
	}

	b.caps = NewCapabilitySet(b.config.Capabilities...)

	if b.graph != nil {
		if err := b.graph.Initialize(ctx); err != nil {
			return types.NewError(types.ErrInitializationFailed, "knowledge graph initialization failed").
				WithCause(err).
				WithAgent(b.config.ID)
		}
		if err := b.graph.AddTriple(ctx, b.config.ID, statusPredicate, string(types.AgentStatusIdle)); err != nil {
			b.logger.Warn("failed to reflect initial status into knowledge graph", zap.Error(err))
		}
	}

	b.setStatus(types.AgentStatusIdle)
	b.initialized = true

	b.histMu.Lock()
	b.backup = &lastGood{capabilities: b.caps.Snapshot()}
	b.histMu.Unlock()

	b.logger.Info("agent initialized", zap.Int("capabilities", b.caps.Len()))
	return nil
}

// Capabilities 返回能力集快照
func (b *BaseAgent) Capabilities(ctx context.Context) ([]types.Capability, error) {
	if !b.isInitialized() {
		return nil, types.NewError(types.ErrNotInitialized, "agent is not initialized").WithAgent(b.config.ID)
	}
	return b.caps.Snapshot(), nil
}

// CapabilitySet 返回底层能力集（注册中心与测试使用）
func (b *BaseAgent) CapabilitySet() *CapabilitySet { return b.caps }

// AddCapability 在 per-agent 锁下向能力集添加能力
func (b *BaseAgent) AddCapability(ctx context.Context, c types.Capability) error {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	return b.caps.Add(c)
}

// RemoveCapability 在 per-agent 锁下从能力集移除能力
func (b *BaseAgent) RemoveCapability(ctx context.Context, c types.Capability) error {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	return b.caps.Remove(c)
}

// ProcessMessage 处理一条消息。
// 获取 per-agent 锁；记录历史；IDLE→BUSY；调用 handler；
// 成功转回 IDLE 并返回响应消息；失败转 ERROR 并返回 PROCESSING_FAILED。
func (b *BaseAgent) ProcessMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if !b.isInitialized() {
		return types.Message{}, types.NewError(types.ErrNotInitialized, "agent is not initialized").WithAgent(b.config.ID)
	}

	b.procMu.Lock()
	defer b.procMu.Unlock()

	b.recordMessage(msg)
	b.setStatus(types.AgentStatusBusy)

	result, err := b.handle(ctx, msg)
	if err != nil {
		b.setStatus(types.AgentStatusError)
		b.logger.Error("message processing failed",
			zap.String("message_id", msg.ID),
			zap.String("sender_id", msg.SenderID),
			zap.Error(err),
		)
		return types.Message{}, types.NewError(types.ErrProcessingFailed, "message processing failed").
			WithCause(err).
			WithAgent(b.config.ID)
	}

	b.recordActivity(fmt.Sprintf("processed %s message %s from %s", messageKind(msg), msg.ID, msg.SenderID))
	b.setStatus(types.AgentStatusIdle)

	response, rerr := types.NewMessage(b.config.ID, msg.SenderID, result)
	if rerr != nil {
		b.setStatus(types.AgentStatusError)
		return types.Message{}, types.NewError(types.ErrProcessingFailed, "building response message").
			WithCause(rerr).
			WithAgent(b.config.ID)
	}
	return response.WithType("response"), nil
}

// handle honors the simulated-failure testability hook before delegating
// to the agent's handler.
func (b *BaseAgent) handle(ctx context.Context, msg types.Message) (map[string]any, error) {
	if fail, ok := msg.Content[types.ContentKeyShouldFail].(bool); ok && fail {
		return nil, types.NewError(types.ErrSimulatedFailure, "simulated failure requested by message content")
	}
	return b.handler.Handle(ctx, msg)
}

// messageKind labels a message for the activity log.
func messageKind(msg types.Message) string {
	if msg.Type != "" {
		return msg.Type
	}
	return "untyped"
}

// recordMessage 追加消息历史（有界，超限时丢弃最旧条目）
func (b *BaseAgent) recordMessage(msg types.Message) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, msg)
	if len(b.history) > b.config.HistoryLimit {
		b.history = b.history[len(b.history)-b.config.HistoryLimit:]
	}
	b.lastMessage = time.Now()
}

// recordActivity 追加一条带时间戳的活动记录
func (b *BaseAgent) recordActivity(description string) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.activity = append(b.activity, ActivityRecord{
		Description: description,
		Timestamp:   time.Now(),
	})
}

// MessageHistory 返回消息历史快照
func (b *BaseAgent) MessageHistory() []types.Message {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]types.Message, len(b.history))
	copy(out, b.history)
	return out
}

// ActivityLog 返回活动记录快照
func (b *BaseAgent) ActivityLog() []ActivityRecord {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]ActivityRecord, len(b.activity))
	copy(out, b.activity)
	return out
}

// UpdateStatus 更新状态并在附加了知识图谱协作者时反映新状态。
// 先移除旧的状态三元组再写入，保持状态三元组单值。
func (b *BaseAgent) UpdateStatus(ctx context.Context, status types.AgentStatus) error {
	b.statusMu.Lock()
	prev := b.status
	b.status = status
	b.statusMu.Unlock()

	if prev != status {
		b.logger.Info("status updated", zap.String("from", string(prev)), zap.String("to", string(status)))
	}

	if b.graph != nil {
		if err := b.graph.RemoveTriple(ctx, b.config.ID, statusPredicate, nil); err != nil {
			b.logger.Warn("failed to clear status triple", zap.Error(err))
		}
		if err := b.graph.AddTriple(ctx, b.config.ID, statusPredicate, string(status)); err != nil {
			b.logger.Warn("failed to reflect status into knowledge graph", zap.Error(err))
		}
	}
	return nil
}

// GetStatus 返回状态报告：当前状态、能力快照、消息计数与最近消息时间
func (b *BaseAgent) GetStatus() StatusReport {
	b.histMu.Lock()
	count := len(b.history)
	last := b.lastMessage
	b.histMu.Unlock()

	return StatusReport{
		AgentID:         b.config.ID,
		Status:          b.Status(),
		Capabilities:    b.caps.Snapshot(),
		MessageCount:    count,
		LastMessageTime: last,
	}
}

// Shutdown 关闭 Agent：清空历史、标记 OFFLINE、释放协作者。
// 关闭后可通过 Initialize 重新启用。
func (b *BaseAgent) Shutdown(ctx context.Context) error {
	b.procMu.Lock()
	defer b.procMu.Unlock()

	b.histMu.Lock()
	b.history = nil
	b.activity = nil
	b.backup = nil
	b.histMu.Unlock()

	b.setStatus(types.AgentStatusOffline)

	if b.graph != nil {
		if err := b.graph.Cleanup(ctx); err != nil {
			b.logger.Warn("knowledge graph cleanup failed", zap.Error(err))
		}
	}

	b.initMu.Lock()
	b.initialized = false
	b.initMu.Unlock()

	b.logger.Info("agent shut down")
	return nil
}
