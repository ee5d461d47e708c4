// Package agentmesh provides a top-level convenience entry point for
// assembling the orchestration runtime with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agentmesh"
//
//	rt, err := agentmesh.New()
//	rt, err := agentmesh.New(agentmesh.WithConfig(cfg), agentmesh.WithLogger(logger))
//	rt, err := agentmesh.New(agentmesh.WithStore(myStore), agentmesh.WithMetricsNamespace("agentmesh"))
//
// New wires the notifier, recovery engine, agent registry, capability
// router, snapshot store and workflow manager together in dependency
// order; [Runtime.Shutdown] tears them down in reverse.
package agentmesh

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/recovery"
	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/notify"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/workflow"
	"github.com/BaSui01/agentmesh/workflow/persistence"
)

// Runtime is the assembled orchestration stack. The exported components
// are safe for direct use; the runtime only owns their construction
// order and teardown.
type Runtime struct {
	// Config is the effective configuration the runtime was built from.
	Config *config.Config

	// Notifier is the shared event bus.
	Notifier *notify.Notifier

	// Recovery is the failure classification and strategy engine.
	Recovery *recovery.Engine

	// Registry is the agent directory and capability index.
	Registry *registry.AgentRegistry

	// Router scores and selects agents for capability requests.
	Router *registry.CapabilityRouter

	// Workflows assembles and executes capability-driven workflows.
	Workflows *workflow.Manager

	// Store persists workflow snapshot histories.
	Store persistence.SnapshotStore

	// Factories maps agent type names to constructors for bulk
	// registration driven by Config.Discovery.
	Factories *registry.FactorySet

	logger    *zap.Logger
	ownsStore bool
}

// Option configures the runtime assembled by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      persistence.SnapshotStore
	routerCfg  *registry.RouterConfig
	engine     *recovery.Engine
	strategies []recovery.Strategy
	metricsNS  string
}

// WithConfig sets the runtime configuration. Defaults to
// [config.DefaultConfig].
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore injects a pre-built snapshot store. The caller keeps
// ownership: [Runtime.Shutdown] will not close an injected store.
// Without this option the store is built from Config.Persistence and
// closed on shutdown.
func WithStore(store persistence.SnapshotStore) Option {
	return func(o *options) { o.store = store }
}

// WithRouterConfig tunes the capability router. Defaults to
// [registry.DefaultRouterConfig].
func WithRouterConfig(cfg *registry.RouterConfig) Option {
	return func(o *options) { o.routerCfg = cfg }
}

// WithRecoveryEngine injects a pre-built recovery engine, replacing the
// built-in strategy table.
func WithRecoveryEngine(engine *recovery.Engine) Option {
	return func(o *options) { o.engine = engine }
}

// WithRecoveryStrategies appends extra strategies to the built-in
// recovery engine. Ignored when WithRecoveryEngine is also given.
func WithRecoveryStrategies(strategies ...recovery.Strategy) Option {
	return func(o *options) { o.strategies = append(o.strategies, strategies...) }
}

// WithMetricsNamespace enables Prometheus metrics under the given
// namespace. Metrics register against the default Prometheus registry,
// so two runtimes in one process need distinct namespaces. Without this
// option no metrics are collected.
func WithMetricsNamespace(namespace string) Option {
	return func(o *options) { o.metricsNS = namespace }
}

// New assembles a runtime. Construction order is notifier, recovery
// engine, registry, router, store, workflow manager; a failure rolls
// back the parts already started.
func New(opts ...Option) (*Runtime, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var collector *metrics.Collector
	if o.metricsNS != "" {
		collector = metrics.NewCollector(o.metricsNS, logger)
	}

	notifier := notify.NewNotifier(logger)

	engine := o.engine
	if engine == nil {
		engine = recovery.NewEngine(logger, o.strategies...)
	}

	reg := registry.NewAgentRegistry(&cfg.Registry, notifier, engine, logger)
	router := registry.NewCapabilityRouter(reg, o.routerCfg, collector, logger)

	store := o.store
	ownsStore := false
	if store == nil {
		built, err := persistence.NewSnapshotStore(cfg.Persistence)
		if err != nil {
			notifier.Stop()
			return nil, fmt.Errorf("create snapshot store: %w", err)
		}
		store = built
		ownsStore = true
	}

	manager := workflow.NewManager(reg, &cfg.Workflow, store, notifier, collector, logger)

	return &Runtime{
		Config:    cfg,
		Notifier:  notifier,
		Recovery:  engine,
		Registry:  reg,
		Router:    router,
		Workflows: manager,
		Store:     store,
		Factories: registry.NewFactorySet(logger),
		logger:    logger,
		ownsStore: ownsStore,
	}, nil
}

// AutoRegister builds and registers the agents described by
// Config.Discovery.Agents through the runtime's factory set. It is a
// no-op returning (0, nil) when discovery is disabled. Factories must
// be bound on [Runtime.Factories] before calling.
func (rt *Runtime) AutoRegister(ctx context.Context) (int, error) {
	if !rt.Config.Discovery.Enabled {
		return 0, nil
	}
	return rt.Factories.AutoRegister(ctx, rt.Registry, rt.Config.Discovery.Agents)
}

// Shutdown stops the runtime in reverse construction order: workflow
// manager, registry, notifier, then the store when New built it. An
// injected store is left to its owner. Errors are collected rather than
// aborting the sequence.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if rt.Workflows != nil {
		if err := rt.Workflows.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workflow manager shutdown: %w", err))
		}
	}
	if rt.Registry != nil {
		if err := rt.Registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
		}
	}
	if rt.Notifier != nil {
		rt.Notifier.Stop()
	}
	if rt.ownsStore && rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("snapshot store close: %w", err))
		}
	}

	return errors.Join(errs...)
}
