package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/agent/recovery"
	"github.com/BaSui01/agentmesh/notify"
	"github.com/BaSui01/agentmesh/types"
)

// Config holds configuration for the agent registry.
type Config struct {
	// RecoveryDeadline is the hard deadline for a single recovery attempt.
	RecoveryDeadline time.Duration `json:"recovery_deadline" yaml:"recovery_deadline"`

	// RecoveryRate is the sustained recovery attempt rate per second.
	RecoveryRate float64 `json:"recovery_rate" yaml:"recovery_rate"`

	// RecoveryBurst is the recovery attempt burst size.
	RecoveryBurst int `json:"recovery_burst" yaml:"recovery_burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RecoveryDeadline: 30 * time.Second,
		RecoveryRate:     1,
		RecoveryBurst:    8,
	}
}

// agentEntry is the registry's per-agent record: the agent itself, its
// registration order, and the registry-owned capability snapshot. The
// entry mutex is the per-agent lock; it serializes capability updates
// and recovery for one agent without blocking the rest of the registry.
type agentEntry struct {
	agent             agent.Agent
	registrationIndex int64
	registeredAt      time.Time

	mu   sync.Mutex
	caps []types.Capability
}

func (e *agentEntry) snapshotCaps() []types.Capability {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Capability, len(e.caps))
	copy(out, e.caps)
	return out
}

// kindBucket holds the agent ids advertising one capability kind, in
// registration order, under the kind's own lock.
type kindBucket struct {
	mu  sync.Mutex
	ids []string
}

func (b *kindBucket) add(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.ids {
		if existing == id {
			return
		}
	}
	b.ids = append(b.ids, id)
}

func (b *kindBucket) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.ids {
		if existing == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return
		}
	}
}

func (b *kindBucket) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ids))
	copy(out, b.ids)
	return out
}

func (b *kindBucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// AgentRegistry is the in-memory agent directory and capability index.
// Lock order is registry lock, then per-agent lock, then per-kind lock;
// no path acquires them in any other order.
type AgentRegistry struct {
	mu sync.RWMutex

	// agents stores registered agents by ID.
	agents map[string]*agentEntry

	// index maps capability kinds to the agents advertising them.
	index map[types.CapabilityKind]*kindBucket

	// counter assigns monotonically increasing registration indices.
	counter atomic.Int64

	observerMu sync.RWMutex
	observers  []Observer

	// limiter throttles recovery attempts registry-wide; the strategy
	// engine itself stays stateless.
	limiter *rate.Limiter

	notifier *notify.Notifier
	engine   *recovery.Engine
	config   *Config
	logger   *zap.Logger

	closed bool
}

// NewAgentRegistry creates a registry. The notifier is optional; a nil
// recovery engine is replaced with the built-in strategy table.
func NewAgentRegistry(config *Config, notifier *notify.Notifier, engine *recovery.Engine, logger *zap.Logger) *AgentRegistry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = recovery.NewEngine(logger)
	}
	return &AgentRegistry{
		agents:   make(map[string]*agentEntry),
		index:    make(map[types.CapabilityKind]*kindBucket),
		limiter:  rate.NewLimiter(rate.Limit(config.RecoveryRate), config.RecoveryBurst),
		notifier: notifier,
		engine:   engine,
		config:   config,
		logger:   logger.With(zap.String("component", "agent_registry")),
	}
}

// bucket returns the index bucket for a kind, creating it on first use.
// Buckets are never deleted; an empty bucket reads as an empty agent list.
func (r *AgentRegistry) bucket(kind types.CapabilityKind) *kindBucket {
	r.mu.RLock()
	b := r.index[kind]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.index[kind]; b != nil {
		return b
	}
	b = &kindBucket{}
	r.index[kind] = b
	return b
}

// Register registers an agent. Duplicate IDs are silently ignored. When
// no capabilities are passed, the agent's own set is used. The agent is
// initialized as part of registration; on failure the partial insertion
// is rolled back.
func (r *AgentRegistry) Register(ctx context.Context, a agent.Agent, capabilities ...types.Capability) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	id := a.ID()
	if id == "" {
		return fmt.Errorf("agent id is empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.NewError(types.ErrNotInitialized, "registry is shut down")
	}
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		r.logger.Debug("agent already registered", zap.String("agent_id", id))
		return nil
	}
	entry := &agentEntry{
		agent:             a,
		registrationIndex: r.counter.Add(1),
		registeredAt:      time.Now(),
	}
	r.agents[id] = entry
	r.mu.Unlock()

	// Initialization runs outside the registry lock; the reserved entry
	// makes concurrent duplicate registrations no-ops meanwhile.
	if err := a.Initialize(ctx); err != nil {
		r.rollback(id)
		return fmt.Errorf("initialize agent %s: %w", id, err)
	}

	if len(capabilities) == 0 {
		fetched, err := a.Capabilities(ctx)
		if err != nil {
			r.rollback(id)
			return fmt.Errorf("fetch capabilities of agent %s: %w", id, err)
		}
		capabilities = fetched
	}

	snapshot := make([]types.Capability, len(capabilities))
	copy(snapshot, capabilities)
	entry.mu.Lock()
	entry.caps = snapshot
	entry.mu.Unlock()

	for _, kind := range capabilityKinds(snapshot) {
		r.bucket(kind).add(id)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("agent_type", a.Type()),
		zap.Int64("registration_index", entry.registrationIndex),
		zap.Int("capabilities", len(snapshot)),
	)

	r.notifyObservers(func(o Observer) { o.OnAgentRegistered(id, snapshot) })
	if r.notifier != nil {
		r.notifier.NotifyAgentRegistered(id, snapshot)
	}
	return nil
}

// rollback removes a partially inserted agent.
func (r *AgentRegistry) rollback(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	buckets := make([]*kindBucket, 0, len(r.index))
	for _, b := range r.index {
		buckets = append(buckets, b)
	}
	r.mu.Unlock()

	for _, b := range buckets {
		b.remove(id)
	}
	r.logger.Warn("agent registration rolled back", zap.String("agent_id", id))
}

// Unregister removes an agent and shuts it down. Unknown IDs are a no-op.
func (r *AgentRegistry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	entry, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		r.logger.Debug("unregister of unknown agent", zap.String("agent_id", agentID))
		return nil
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	for _, kind := range capabilityKinds(entry.snapshotCaps()) {
		r.bucket(kind).remove(agentID)
	}

	if err := entry.agent.Shutdown(ctx); err != nil {
		r.logger.Warn("agent shutdown during unregister failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}

	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))

	r.notifyObservers(func(o Observer) { o.OnAgentUnregistered(agentID) })
	if r.notifier != nil {
		r.notifier.NotifyAgentUnregistered(agentID)
	}
	return nil
}

// GetAgent returns the registered agent with the given ID.
func (r *AgentRegistry) GetAgent(agentID string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.agents[agentID]
	if !exists {
		return nil, types.Errorf(types.ErrNotFound, "agent %s not found", agentID)
	}
	return entry.agent, nil
}

// RegistrationIndex returns the agent's registration order, or 0 when
// the agent is unknown. Later registrations have larger indices.
func (r *AgentRegistry) RegistrationIndex(agentID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, exists := r.agents[agentID]; exists {
		return entry.registrationIndex
	}
	return 0
}

// CapabilitiesOf returns the registry's capability snapshot for the
// agent, or nil when the agent is unknown.
func (r *AgentRegistry) CapabilitiesOf(agentID string) []types.Capability {
	r.mu.RLock()
	entry, exists := r.agents[agentID]
	r.mu.RUnlock()
	if !exists {
		return nil
	}
	return entry.snapshotCaps()
}

// KindCounts returns the number of agents advertising each kind,
// omitting kinds nobody advertises.
func (r *AgentRegistry) KindCounts() map[types.CapabilityKind]int {
	r.mu.RLock()
	buckets := make(map[types.CapabilityKind]*kindBucket, len(r.index))
	for kind, b := range r.index {
		buckets[kind] = b
	}
	r.mu.RUnlock()

	counts := make(map[types.CapabilityKind]int, len(buckets))
	for kind, b := range buckets {
		if n := b.size(); n > 0 {
			counts[kind] = n
		}
	}
	return counts
}

// ListAgents returns all registered agents in registration order.
func (r *AgentRegistry) ListAgents() []agent.Agent {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, entry := range r.agents {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].registrationIndex < entries[j].registrationIndex
	})
	agents := make([]agent.Agent, len(entries))
	for i, entry := range entries {
		agents[i] = entry.agent
	}
	return agents
}

// Snapshot returns a copy of the agent-to-capabilities view.
func (r *AgentRegistry) Snapshot() map[string][]types.Capability {
	r.mu.RLock()
	entries := make(map[string]*agentEntry, len(r.agents))
	for id, entry := range r.agents {
		entries[id] = entry
	}
	r.mu.RUnlock()

	out := make(map[string][]types.Capability, len(entries))
	for id, entry := range entries {
		out[id] = entry.snapshotCaps()
	}
	return out
}

// GetAgentsByCapability returns the agents advertising the kind, in
// registration order. Unknown kinds yield an empty list.
func (r *AgentRegistry) GetAgentsByCapability(kind types.CapabilityKind) []agent.Agent {
	r.mu.RLock()
	b := r.index[kind]
	r.mu.RUnlock()
	if b == nil {
		return nil
	}

	ids := b.snapshot()
	agents := make([]agent.Agent, 0, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if entry, ok := r.agents[id]; ok {
			agents = append(agents, entry.agent)
		}
	}
	return agents
}

// UpdateAgentCapabilities replaces an agent's capability set, applying
// the add/remove diff to the agent and the index, then notifying
// observers and the notifier with the diff.
func (r *AgentRegistry) UpdateAgentCapabilities(ctx context.Context, agentID string, capabilities []types.Capability) error {
	r.mu.RLock()
	entry, exists := r.agents[agentID]
	r.mu.RUnlock()
	if !exists {
		return types.Errorf(types.ErrNotFound, "agent %s not found", agentID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	added, removed := diffCapabilities(entry.caps, capabilities)

	for _, c := range removed {
		if err := entry.agent.RemoveCapability(ctx, c); err != nil {
			return fmt.Errorf("remove capability %s from agent %s: %w", c.Kind, agentID, err)
		}
	}
	for _, c := range added {
		if err := entry.agent.AddCapability(ctx, c); err != nil {
			return fmt.Errorf("add capability %s to agent %s: %w", c.Kind, agentID, err)
		}
	}

	snapshot := make([]types.Capability, len(capabilities))
	copy(snapshot, capabilities)
	entry.caps = snapshot

	for _, kind := range capabilityKinds(removed) {
		if !kindPresent(snapshot, kind) {
			r.bucket(kind).remove(agentID)
		}
	}
	for _, kind := range capabilityKinds(added) {
		r.bucket(kind).add(agentID)
	}

	r.logger.Info("agent capabilities updated",
		zap.String("agent_id", agentID),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)),
	)

	r.notifyObservers(func(o Observer) { o.OnCapabilityUpdated(agentID, added, removed) })
	if r.notifier != nil {
		r.notifier.NotifyCapabilityChange(agentID, added, removed)
	}
	return nil
}

// ValidationReport is the result of a capability availability check.
type ValidationReport struct {
	Available    []types.CapabilityKind            `json:"available"`
	Missing      []types.CapabilityKind            `json:"missing"`
	AgentsByKind map[types.CapabilityKind][]string `json:"agents_by_kind"`
}

// Satisfied reports whether every required kind has at least one agent.
func (v ValidationReport) Satisfied() bool { return len(v.Missing) == 0 }

// ValidateCapabilities splits the required kinds into available and
// missing, with the advertising agent ids per available kind.
func (r *AgentRegistry) ValidateCapabilities(required []types.CapabilityKind) ValidationReport {
	report := ValidationReport{
		AgentsByKind: make(map[types.CapabilityKind][]string, len(required)),
	}
	for _, kind := range required {
		r.mu.RLock()
		b := r.index[kind]
		r.mu.RUnlock()

		var ids []string
		if b != nil {
			ids = b.snapshot()
		}
		if len(ids) == 0 {
			report.Missing = append(report.Missing, kind)
			continue
		}
		report.Available = append(report.Available, kind)
		report.AgentsByKind[kind] = ids
	}
	return report
}

// RouteMessage delivers a message. When the content names a required
// capability, the first capable agent other than the sender handles it;
// otherwise the recipient id is looked up directly.
func (r *AgentRegistry) RouteMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if kind, ok := msg.RequiredCapability(); ok {
		for _, candidate := range r.GetAgentsByCapability(kind) {
			if candidate.ID() == msg.SenderID {
				continue
			}
			return candidate.ProcessMessage(ctx, msg)
		}
		return types.Message{}, types.Errorf(types.ErrRouteFailed, "no agent provides capability %s", kind)
	}

	target, err := r.GetAgent(msg.RecipientID)
	if err != nil {
		return types.Message{}, types.Errorf(types.ErrRouteFailed, "unknown recipient %s", msg.RecipientID).WithCause(err)
	}
	return target.ProcessMessage(ctx, msg)
}

// BroadcastMessage delivers a message to every registered agent except
// the sender and aggregates the responses. Per-agent failures are
// logged and skipped; they do not abort the broadcast.
func (r *AgentRegistry) BroadcastMessage(ctx context.Context, msg types.Message) ([]types.Message, error) {
	targets := make([]agent.Agent, 0)
	for _, a := range r.ListAgents() {
		if a.ID() == msg.SenderID {
			continue
		}
		targets = append(targets, a)
	}

	responses := make([]*types.Message, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			resp, err := target.ProcessMessage(ctx, msg)
			if err != nil {
				r.logger.Warn("broadcast delivery failed",
					zap.String("agent_id", target.ID()),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				return nil
			}
			responses[i] = &resp
			return nil
		})
	}
	_ = g.Wait()

	out := make([]types.Message, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			out = append(out, *resp)
		}
	}
	return out, nil
}

// RecoverAgent applies a recovery strategy to the agent within the
// configured hard deadline, under the agent's lock. The boolean reports
// success; recovery never raises. The outcome is broadcast through the
// notifier as an agent_recovery event.
func (r *AgentRegistry) RecoverAgent(ctx context.Context, agentID, errorKind string) bool {
	r.mu.RLock()
	entry, exists := r.agents[agentID]
	r.mu.RUnlock()
	if !exists {
		r.logger.Warn("recovery requested for unknown agent", zap.String("agent_id", agentID))
		return false
	}

	if !r.limiter.Allow() {
		r.logger.Warn("recovery attempt throttled", zap.String("agent_id", agentID))
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.config.RecoveryDeadline)
	defer cancel()

	ok := r.engine.Recover(ctx, entry.agent, recovery.ParseErrorKind(errorKind))
	if r.notifier != nil {
		r.notifier.NotifyAgentRecovery(agentID, errorKind, ok)
	}
	return ok
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Shutdown unregisters and shuts down every agent, then rejects further
// registrations. The notifier is a collaborator and is not stopped here.
func (r *AgentRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.agents))
	order := make(map[string]int64, len(r.agents))
	for id, entry := range r.agents {
		ids = append(ids, id)
		order[id] = entry.registrationIndex
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })
	for _, id := range ids {
		if err := r.Unregister(ctx, id); err != nil {
			r.logger.Warn("unregister during shutdown failed",
				zap.String("agent_id", id),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("agent registry shut down", zap.Int("agents", len(ids)))
	return nil
}

// capabilityKinds returns the distinct kinds in order of appearance.
func capabilityKinds(caps []types.Capability) []types.CapabilityKind {
	seen := make(map[types.CapabilityKind]bool, len(caps))
	kinds := make([]types.CapabilityKind, 0, len(caps))
	for _, c := range caps {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			kinds = append(kinds, c.Kind)
		}
	}
	return kinds
}

// kindPresent reports whether any capability in caps has the kind.
func kindPresent(caps []types.Capability, kind types.CapabilityKind) bool {
	for _, c := range caps {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// diffCapabilities splits old→new into added and removed sets, keyed by
// (kind, version) identity.
func diffCapabilities(old, new []types.Capability) (added, removed []types.Capability) {
	oldKeys := make(map[types.CapabilityKey]bool, len(old))
	for _, c := range old {
		oldKeys[c.Key()] = true
	}
	newKeys := make(map[types.CapabilityKey]bool, len(new))
	for _, c := range new {
		newKeys[c.Key()] = true
	}

	for _, c := range new {
		if !oldKeys[c.Key()] {
			added = append(added, c)
		}
	}
	for _, c := range old {
		if !newKeys[c.Key()] {
			removed = append(removed, c)
		}
	}
	return added, removed
}
