package recovery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/types"
)

// ErrorKind classifies a failure for strategy selection.
type ErrorKind string

const (
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindResourceExhaustion ErrorKind = "resource_exhaustion"
	ErrorKindCommunication      ErrorKind = "communication"
	ErrorKindStateCorruption    ErrorKind = "state_corruption"
	ErrorKindUnknown            ErrorKind = "unknown"
)

// ParseErrorKind maps a caller-supplied kind label to an ErrorKind.
// Unrecognized labels map to ErrorKindUnknown, which routes to the
// default strategy.
func ParseErrorKind(s string) ErrorKind {
	switch ErrorKind(s) {
	case ErrorKindTimeout, ErrorKindResourceExhaustion, ErrorKindCommunication, ErrorKindStateCorruption:
		return ErrorKind(s)
	default:
		return ErrorKindUnknown
	}
}

// ClassifyError maps a runtime error to the kind used for strategy
// selection. Deadline expiry counts as a timeout regardless of how the
// error is wrapped.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	switch types.GetErrorCode(err) {
	case types.ErrTimeout:
		return ErrorKindTimeout
	case types.ErrRouteFailed:
		return ErrorKindCommunication
	case types.ErrPersistenceFailed:
		return ErrorKindStateCorruption
	default:
		return ErrorKindUnknown
	}
}

// Strategy brings a failed agent back to a serviceable state.
// Recover reports success with a boolean and must not panic through to
// the caller; on success the agent is left IDLE, on failure ERROR.
type Strategy interface {
	Name() string
	CanHandle(kind ErrorKind) bool
	Recover(ctx context.Context, target agent.Agent) bool
}

// Engine resolves recovery strategies by error kind and applies them.
// Apart from the strategy table the engine holds no state, so a single
// engine can serve any number of registries.
type Engine struct {
	strategies []Strategy
	fallback   Strategy
	logger     *zap.Logger
}

// NewEngine builds an engine with the built-in strategy table. Extra
// strategies are consulted before the built-ins, so callers can shadow
// a built-in kind with their own handling.
func NewEngine(logger *zap.Logger, extra ...Strategy) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := make([]Strategy, 0, len(extra)+4)
	strategies = append(strategies, extra...)
	strategies = append(strategies,
		NewTimeoutRecoveryStrategy(logger),
		NewResourceExhaustionRecoveryStrategy(logger),
		NewCommunicationRecoveryStrategy(logger),
		NewStateCorruptionRecoveryStrategy(logger),
	)
	return &Engine{
		strategies: strategies,
		fallback:   NewDefaultRecoveryStrategy(logger),
		logger:     logger,
	}
}

// GetStrategy returns the first strategy that can handle kind, falling
// back to the default strategy when none matches.
func (e *Engine) GetStrategy(kind ErrorKind) Strategy {
	for _, s := range e.strategies {
		if s.CanHandle(kind) {
			return s
		}
	}
	return e.fallback
}

// StrategyNames lists the table in consultation order, default last.
func (e *Engine) StrategyNames() []string {
	names := make([]string, 0, len(e.strategies)+1)
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return append(names, e.fallback.Name())
}

// Recover resolves the strategy for kind and applies it to the target.
// The boolean reports whether the agent is serviceable again; errors
// and panics never escape.
func (e *Engine) Recover(ctx context.Context, target agent.Agent, kind ErrorKind) bool {
	strategy := e.GetStrategy(kind)
	e.logger.Info("applying recovery strategy",
		zap.String("agent_id", target.ID()),
		zap.String("error_kind", string(kind)),
		zap.String("strategy", strategy.Name()),
	)

	ok := e.apply(ctx, strategy, target)
	if ok {
		e.logger.Info("agent recovered",
			zap.String("agent_id", target.ID()),
			zap.String("strategy", strategy.Name()),
		)
	} else {
		e.logger.Warn("agent recovery failed",
			zap.String("agent_id", target.ID()),
			zap.String("strategy", strategy.Name()),
		)
	}
	return ok
}

// apply shields the engine from panicking strategies. The built-in
// strategies guard themselves; injected ones may not.
func (e *Engine) apply(ctx context.Context, strategy Strategy, target agent.Agent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovery strategy panicked",
				zap.String("strategy", strategy.Name()),
				zap.String("agent_id", target.ID()),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	return strategy.Recover(ctx, target)
}
