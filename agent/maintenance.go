package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// Maintainable 暴露恢复策略驱动的维护钩子。
// 所有钩子均为尽力而为：恢复引擎在 Agent 实现该接口时调用，
// 未实现时跳过对应步骤。
type Maintainable interface {
	// ResetPendingOperations 丢弃进行中的未完成操作。
	ResetPendingOperations(ctx context.Context) error
	// CleanupResources 释放可再生资源（缓存、临时状态）。
	CleanupResources(ctx context.Context) error
	// ResetCommunications 重置通信通道并重建连接。
	ResetCommunications(ctx context.Context) error
	// BackupState 捕获当前的 last-known-good 快照。
	BackupState(ctx context.Context) error
	// RestoreState 从 last-known-good 快照恢复。
	RestoreState(ctx context.Context) error
}

var _ Maintainable = (*BaseAgent)(nil)

// lastGood holds the most recent coherent snapshot of an agent's durable
// state, captured by BackupState and reapplied by RestoreState.
type lastGood struct {
	capabilities []types.Capability
}

// ResetPendingOperations 实现 Maintainable。
// BaseAgent 同步处理消息，没有悬挂的操作需要丢弃。
func (b *BaseAgent) ResetPendingOperations(ctx context.Context) error {
	b.logger.Debug("no pending operations to reset")
	return nil
}

// CleanupResources 实现 Maintainable：裁剪历史并清空活动记录。
func (b *BaseAgent) CleanupResources(ctx context.Context) error {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) > b.config.HistoryLimit {
		b.history = b.history[len(b.history)-b.config.HistoryLimit:]
	}
	b.activity = nil
	b.logger.Debug("cleaned up agent resources", zap.Int("history", len(b.history)))
	return nil
}

// ResetCommunications 实现 Maintainable。
// BaseAgent 不持有传输连接；重置只需确认消息路径可用。
func (b *BaseAgent) ResetCommunications(ctx context.Context) error {
	b.logger.Debug("communications reset")
	return nil
}

// BackupState 实现 Maintainable：捕获能力集快照。
// Agent 处于非可服务状态时不覆盖已有的 last-known-good 快照。
func (b *BaseAgent) BackupState(ctx context.Context) error {
	if status := b.Status(); !status.IsServiceable() {
		b.logger.Debug("skipping backup while agent is not serviceable", zap.String("status", string(status)))
		return nil
	}
	snapshot := &lastGood{capabilities: b.caps.Snapshot()}
	b.histMu.Lock()
	b.backup = snapshot
	b.histMu.Unlock()
	b.logger.Debug("state backed up", zap.Int("capabilities", len(snapshot.capabilities)))
	return nil
}

// RestoreState 实现 Maintainable：从最近的快照恢复能力集；
// 没有快照时回退到构造时声明的能力。未初始化的 Agent 不做恢复。
func (b *BaseAgent) RestoreState(ctx context.Context) error {
	b.histMu.Lock()
	snapshot := b.backup
	b.histMu.Unlock()

	caps := b.config.Capabilities
	if snapshot != nil {
		caps = snapshot.capabilities
	}

	b.initMu.Lock()
	if b.initialized {
		b.caps = NewCapabilitySet(caps...)
	}
	b.initMu.Unlock()

	b.logger.Debug("state restored", zap.Int("capabilities", len(caps)))
	return nil
}
