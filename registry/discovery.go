package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/types"
)

// Factory constructs an agent with the given id. Factories returning nil
// are treated as construction failures.
type Factory func(id string) agent.Agent

// FactorySpec describes one batch of agents to construct and register:
// the factory to use, the agent ids to create, and the capability kind
// names each agent advertises. Unknown kind names are dropped.
type FactorySpec struct {
	Type         string   `json:"type" yaml:"type"`
	IDs          []string `json:"ids" yaml:"ids"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// FactorySet maps agent type names to factories and drives bulk
// construction and registration.
type FactorySet struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewFactorySet creates an empty factory set.
func NewFactorySet(logger *zap.Logger) *FactorySet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactorySet{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "factory_set")),
	}
}

// Register binds a factory to an agent type name, replacing any previous
// binding for the same type.
func (s *FactorySet) Register(agentType string, factory Factory) {
	if agentType == "" || factory == nil {
		return
	}
	s.mu.Lock()
	s.factories[agentType] = factory
	s.mu.Unlock()
}

// Lookup returns the factory bound to the agent type.
func (s *FactorySet) Lookup(agentType string) (Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	factory, ok := s.factories[agentType]
	return factory, ok
}

// Types returns the registered agent type names, sorted.
func (s *FactorySet) Types() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.factories))
	for agentType := range s.factories {
		out = append(out, agentType)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AutoRegister constructs and registers the agents the specs describe.
// Registration is best effort: a failed spec or agent is logged and
// skipped without aborting the rest. It returns the number of agents
// registered and the joined construction and registration errors.
func (s *FactorySet) AutoRegister(ctx context.Context, reg *AgentRegistry, specs []FactorySpec) (int, error) {
	registered := 0
	var errs []error
	for _, spec := range specs {
		factory, ok := s.Lookup(spec.Type)
		if !ok {
			s.logger.Warn("no factory for agent type", zap.String("agent_type", spec.Type))
			errs = append(errs, fmt.Errorf("no factory for agent type %q", spec.Type))
			continue
		}

		caps := s.normalizeCapabilities(spec)
		for _, id := range spec.IDs {
			a := factory(id)
			if a == nil {
				s.logger.Warn("factory returned no agent",
					zap.String("agent_type", spec.Type),
					zap.String("agent_id", id),
				)
				errs = append(errs, fmt.Errorf("factory %q returned no agent for id %q", spec.Type, id))
				continue
			}
			if err := reg.Register(ctx, a, caps...); err != nil {
				s.logger.Warn("auto registration failed",
					zap.String("agent_type", spec.Type),
					zap.String("agent_id", id),
					zap.Error(err),
				)
				errs = append(errs, fmt.Errorf("register agent %q: %w", id, err))
				continue
			}
			registered++
		}
	}

	s.logger.Info("auto registration finished",
		zap.Int("registered", registered),
		zap.Int("failed", len(errs)),
	)
	return registered, errors.Join(errs...)
}

// normalizeCapabilities resolves the spec's kind names into capabilities
// at the default version, dropping names that do not parse.
func (s *FactorySet) normalizeCapabilities(spec FactorySpec) []types.Capability {
	caps := make([]types.Capability, 0, len(spec.Capabilities))
	for _, name := range spec.Capabilities {
		kind, ok := types.ParseCapabilityKind(name)
		if !ok {
			s.logger.Warn("unknown capability kind in factory spec",
				zap.String("agent_type", spec.Type),
				zap.String("kind", name),
			)
			continue
		}
		caps = append(caps, types.NewCapability(kind, types.DefaultCapabilityVersion))
	}
	return caps
}
