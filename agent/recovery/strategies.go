package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/types"
)

// step is one best-effort recovery action applied to a target agent.
type step struct {
	name string
	run  func(ctx context.Context, target agent.Agent) error
}

// playbook is the shared strategy implementation: a named sequence of
// steps bound to the error kinds it handles. A failed or aborted step
// leaves the agent ERROR; completing every step leaves it IDLE.
type playbook struct {
	name   string
	kinds  map[ErrorKind]bool
	steps  []step
	logger *zap.Logger
}

func (p *playbook) Name() string { return p.name }

func (p *playbook) CanHandle(kind ErrorKind) bool {
	if p.kinds == nil {
		return true
	}
	return p.kinds[kind]
}

func (p *playbook) Recover(ctx context.Context, target agent.Agent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovery strategy panicked",
				zap.String("strategy", p.name),
				zap.String("agent_id", target.ID()),
				zap.Any("panic", r),
			)
			p.markStatus(ctx, target, types.AgentStatusError)
			ok = false
		}
	}()

	for _, s := range p.steps {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("recovery aborted",
				zap.String("strategy", p.name),
				zap.String("step", s.name),
				zap.Error(err),
			)
			p.markStatus(ctx, target, types.AgentStatusError)
			return false
		}
		if err := s.run(ctx, target); err != nil {
			p.logger.Warn("recovery step failed",
				zap.String("strategy", p.name),
				zap.String("step", s.name),
				zap.Error(err),
			)
			p.markStatus(ctx, target, types.AgentStatusError)
			return false
		}
		p.logger.Debug("recovery step completed",
			zap.String("strategy", p.name),
			zap.String("step", s.name),
		)
	}

	p.markStatus(ctx, target, types.AgentStatusIdle)
	return true
}

// markStatus records the recovery outcome on the agent. The write must
// land even when the recovery deadline already expired, so the status
// update runs detached from ctx cancellation. A shut-down agent stays
// OFFLINE; a failed recovery must not resurrect it into ERROR.
func (p *playbook) markStatus(ctx context.Context, target agent.Agent, status types.AgentStatus) {
	if status == types.AgentStatusError && target.Status() == types.AgentStatusOffline {
		return
	}
	if err := target.UpdateStatus(context.WithoutCancel(ctx), status); err != nil {
		p.logger.Warn("failed to record recovery outcome",
			zap.String("agent_id", target.ID()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func kindSet(kinds ...ErrorKind) map[ErrorKind]bool {
	set := make(map[ErrorKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// maintenance probes the target for maintenance hooks and runs fn when
// they are present. Agents without hooks pass the step trivially.
func maintenance(name string, fn func(ctx context.Context, m agent.Maintainable) error) step {
	return step{
		name: name,
		run: func(ctx context.Context, target agent.Agent) error {
			m, ok := target.(agent.Maintainable)
			if !ok {
				return nil
			}
			return fn(ctx, m)
		},
	}
}

func stepResetPendingOperations() step {
	return maintenance("reset_pending_operations", func(ctx context.Context, m agent.Maintainable) error {
		return m.ResetPendingOperations(ctx)
	})
}

func stepCleanupResources() step {
	return maintenance("cleanup_resources", func(ctx context.Context, m agent.Maintainable) error {
		return m.CleanupResources(ctx)
	})
}

func stepResetCommunications() step {
	return maintenance("reset_communications", func(ctx context.Context, m agent.Maintainable) error {
		return m.ResetCommunications(ctx)
	})
}

func stepBackupState() step {
	return maintenance("backup_state", func(ctx context.Context, m agent.Maintainable) error {
		return m.BackupState(ctx)
	})
}

func stepRestoreState() step {
	return maintenance("restore_state", func(ctx context.Context, m agent.Maintainable) error {
		return m.RestoreState(ctx)
	})
}

// stepVerifyServiceable rejects agents that went OFFLINE mid-recovery;
// a shut-down agent cannot be marked serviceable.
func stepVerifyServiceable() step {
	return step{
		name: "verify_serviceable",
		run: func(ctx context.Context, target agent.Agent) error {
			if target.Status() == types.AgentStatusOffline {
				return fmt.Errorf("agent %s is offline", target.ID())
			}
			return nil
		},
	}
}

// TimeoutRecoveryStrategy drains stuck work after a timeout: pending
// operations are discarded, regenerable resources released, channels
// reset, and a fresh snapshot captured before the agent returns to IDLE.
type TimeoutRecoveryStrategy struct{ playbook }

func NewTimeoutRecoveryStrategy(logger *zap.Logger) *TimeoutRecoveryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutRecoveryStrategy{playbook{
		name:  "timeout_recovery",
		kinds: kindSet(ErrorKindTimeout),
		steps: []step{
			stepResetPendingOperations(),
			stepCleanupResources(),
			stepResetCommunications(),
			stepBackupState(),
			stepVerifyServiceable(),
		},
		logger: logger,
	}}
}

// ResourceExhaustionRecoveryStrategy releases regenerable resources so
// the agent can reallocate on its next task.
type ResourceExhaustionRecoveryStrategy struct{ playbook }

func NewResourceExhaustionRecoveryStrategy(logger *zap.Logger) *ResourceExhaustionRecoveryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceExhaustionRecoveryStrategy{playbook{
		name:  "resource_exhaustion_recovery",
		kinds: kindSet(ErrorKindResourceExhaustion),
		steps: []step{
			stepCleanupResources(),
			stepBackupState(),
			stepVerifyServiceable(),
		},
		logger: logger,
	}}
}

// CommunicationRecoveryStrategy re-establishes the agent's communication
// channels after a transport failure.
type CommunicationRecoveryStrategy struct{ playbook }

func NewCommunicationRecoveryStrategy(logger *zap.Logger) *CommunicationRecoveryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommunicationRecoveryStrategy{playbook{
		name:  "communication_recovery",
		kinds: kindSet(ErrorKindCommunication),
		steps: []step{
			stepResetCommunications(),
			stepVerifyServiceable(),
		},
		logger: logger,
	}}
}

// StateCorruptionRecoveryStrategy captures the corrupted state for
// diagnosis, clears it, and restores the last known good snapshot.
type StateCorruptionRecoveryStrategy struct{ playbook }

func NewStateCorruptionRecoveryStrategy(logger *zap.Logger) *StateCorruptionRecoveryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateCorruptionRecoveryStrategy{playbook{
		name:  "state_corruption_recovery",
		kinds: kindSet(ErrorKindStateCorruption),
		steps: []step{
			stepBackupState(),
			stepCleanupResources(),
			stepResetCommunications(),
			stepRestoreState(),
			stepVerifyServiceable(),
		},
		logger: logger,
	}}
}

// DefaultRecoveryStrategy handles every kind with the full best-effort
// sequence. The engine uses it when no table entry matches.
type DefaultRecoveryStrategy struct{ playbook }

func NewDefaultRecoveryStrategy(logger *zap.Logger) *DefaultRecoveryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRecoveryStrategy{playbook{
		name:  "default_recovery",
		kinds: nil,
		steps: []step{
			stepResetPendingOperations(),
			stepCleanupResources(),
			stepResetCommunications(),
			stepBackupState(),
			stepVerifyServiceable(),
		},
		logger: logger,
	}}
}
