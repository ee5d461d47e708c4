package workflow

import (
	"strings"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/types"
)

// DependencyDeclarer is implemented by agents that name the agent ids
// they depend on. Declared dependencies bias step selection toward
// producers and drive the post-step dependency triggering.
type DependencyDeclarer interface {
	Dependencies() []string
}

// declaredDependencies returns the agent's declared dependencies, or nil
// when the agent declares none.
func declaredDependencies(a agent.Agent) []string {
	if d, ok := a.(DependencyDeclarer); ok {
		return d.Dependencies()
	}
	return nil
}

// SelectionPolicy tunes how a step's agent is chosen among the
// candidates advertising its capability. The rules apply in order:
// a dedicated monitor agent wins monitoring steps, declared producers
// win over bystanders, test agents lose to non-test agents, and the
// remaining tie is broken by registration recency.
type SelectionPolicy struct {
	// MonitorPrefix marks dedicated monitor agents by id prefix.
	MonitorPrefix string `json:"monitor_prefix" yaml:"monitor_prefix"`

	// TestSuffix marks test doubles by id suffix; they are skipped
	// whenever a non-test candidate exists.
	TestSuffix string `json:"test_suffix" yaml:"test_suffix"`

	// PreferOldestFor lists capability kinds whose tie-break picks the
	// earliest registered candidate instead of the latest.
	PreferOldestFor map[types.CapabilityKind]bool `json:"prefer_oldest_for" yaml:"prefer_oldest_for"`
}

// DefaultSelectionPolicy returns the policy the manager ships with:
// monitor agents carry a "monitor_" prefix, test doubles a "_test_agent"
// suffix, and research steps go to the longest-lived candidate.
func DefaultSelectionPolicy() *SelectionPolicy {
	return &SelectionPolicy{
		MonitorPrefix: "monitor_",
		TestSuffix:    "_test_agent",
		PreferOldestFor: map[types.CapabilityKind]bool{
			types.CapabilityKindResearch: true,
		},
	}
}

// selectAgent picks the agent to run a step of the given kind.
// Candidates must all advertise the kind; nil means no candidate is
// eligible and the caller decides on a fallback.
func (m *Manager) selectAgent(kind types.CapabilityKind, candidates []agent.Agent) agent.Agent {
	if len(candidates) == 0 {
		return nil
	}
	policy := m.config.Selection

	// Monitoring work goes to a dedicated monitor agent when one exists.
	if kind == types.CapabilityKindMonitoring {
		if monitor := pickByPrefix(candidates, policy.MonitorPrefix); monitor != nil {
			return monitor
		}
	}

	// Agents some other agent depends on are producers; when present
	// they are preferred so downstream consumers see fresh output.
	if producers := m.filterProducers(candidates); len(producers) > 0 {
		candidates = producers
	}

	if nonTest := filterBySuffix(candidates, policy.TestSuffix); len(nonTest) > 0 {
		candidates = nonTest
	}

	return m.pickByRegistration(kind, candidates)
}

// pickByPrefix returns the first candidate whose id carries the prefix,
// preserving registration order.
func pickByPrefix(candidates []agent.Agent, prefix string) agent.Agent {
	if prefix == "" {
		return nil
	}
	for _, c := range candidates {
		if strings.HasPrefix(c.ID(), prefix) {
			return c
		}
	}
	return nil
}

// filterProducers narrows candidates to agents named in some other
// registered agent's declared dependencies. An empty result means no
// candidate is a producer and the caller keeps the full set.
func (m *Manager) filterProducers(candidates []agent.Agent) []agent.Agent {
	wanted := make(map[string]bool)
	for _, a := range m.registry.ListAgents() {
		for _, dep := range declaredDependencies(a) {
			if dep != "" && dep != a.ID() {
				wanted[dep] = true
			}
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	var producers []agent.Agent
	for _, c := range candidates {
		if wanted[c.ID()] {
			producers = append(producers, c)
		}
	}
	return producers
}

// filterBySuffix drops candidates whose id carries the suffix. When
// every candidate carries it the original set is returned unchanged.
func filterBySuffix(candidates []agent.Agent, suffix string) []agent.Agent {
	if suffix == "" {
		return candidates
	}
	var kept []agent.Agent
	for _, c := range candidates {
		if !strings.HasSuffix(c.ID(), suffix) {
			kept = append(kept, c)
		}
	}
	return kept
}

// pickByRegistration breaks the remaining tie by registration index:
// most recently registered wins, unless the policy prefers the oldest
// candidate for this kind.
func (m *Manager) pickByRegistration(kind types.CapabilityKind, candidates []agent.Agent) agent.Agent {
	preferOldest := m.config.Selection.PreferOldestFor[kind]
	best := candidates[0]
	bestIdx := m.registry.RegistrationIndex(best.ID())
	for _, c := range candidates[1:] {
		idx := m.registry.RegistrationIndex(c.ID())
		if preferOldest {
			if idx < bestIdx {
				best, bestIdx = c, idx
			}
			continue
		}
		if idx > bestIdx {
			best, bestIdx = c, idx
		}
	}
	return best
}
