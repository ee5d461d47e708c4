package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
)

// Scoring weights for capability matching. The score starts from a base
// value and is adjusted by version compatibility, caller preferences and
// agent status, then clamped to [0, 1].
const (
	scoreBase              = 0.5
	scoreVersionBonus      = 0.3
	scorePreferredBonus    = 0.2
	scoreAvoidPenalty      = 0.3
	scoreNoPreferenceBonus = 0.1
	scoreIdleBonus         = 0.1
	scoreErrorPenalty      = 0.2
)

// selectionTimeAlpha is the smoothing factor for the rolling average of
// selection latency.
const selectionTimeAlpha = 0.2

// CapabilityMatch is one scored candidate for a capability request.
type CapabilityMatch struct {
	AgentID           string           `json:"agent_id"`
	Capability        types.Capability `json:"capability"`
	Score             float64          `json:"score"`
	VersionCompatible bool             `json:"version_compatible"`
}

// Preferences bias scoring toward or away from specific agents. A nil or
// empty value means the caller has no preference.
type Preferences struct {
	PreferredAgents []string `json:"preferred_agents,omitempty"`
	AvoidAgents     []string `json:"avoid_agents,omitempty"`
}

func (p *Preferences) empty() bool {
	return p == nil || (len(p.PreferredAgents) == 0 && len(p.AvoidAgents) == 0)
}

// RouterConfig holds configuration for the capability router.
type RouterConfig struct {
	// CacheTTL bounds how long scored matches are served from cache.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// MinScore is the minimum score a match needs to be routable.
	MinScore float64 `json:"min_score" yaml:"min_score"`
}

// DefaultRouterConfig returns a RouterConfig with sensible defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		CacheTTL: 60 * time.Second,
		MinScore: 0.5,
	}
}

// RoutingMetrics aggregates the router's routing statistics.
type RoutingMetrics struct {
	TotalRoutes        int64                          `json:"total_routes"`
	SuccessfulRoutes   int64                          `json:"successful_routes"`
	FailedRoutes       int64                          `json:"failed_routes"`
	FallbackCount      int64                          `json:"fallback_count"`
	AvgSelectionTimeMs float64                        `json:"avg_selection_time_ms"`
	CapabilityUsage    map[types.CapabilityKind]int64 `json:"capability_usage"`
	AgentUtilization   map[string]int64               `json:"agent_utilization"`
}

// CoverageReport describes how well the registered agents cover the
// built-in capability kinds.
type CoverageReport struct {
	TotalAgents      int                          `json:"total_agents"`
	AgentsPerKind    map[types.CapabilityKind]int `json:"agents_per_kind"`
	SinglePointKinds []types.CapabilityKind       `json:"single_point_kinds"`
	CoveragePercent  float64                      `json:"coverage_percent"`
}

type cacheKey struct {
	kind       types.CapabilityKind
	versionReq string
}

type cacheEntry struct {
	matches   []CapabilityMatch
	expiresAt time.Time
}

// CapabilityRouter selects agents for capability requests by scoring the
// registry's candidates. Scored results are cached per (kind, version
// requirement) and the cache is invalidated whenever the registry
// changes; the router attaches itself as a registry observer for that.
type CapabilityRouter struct {
	registry  *AgentRegistry
	config    *RouterConfig
	collector *metrics.Collector
	logger    *zap.Logger

	cacheMu sync.RWMutex
	cache   map[cacheKey]cacheEntry

	statsMu sync.Mutex
	stats   RoutingMetrics
}

var _ Observer = (*CapabilityRouter)(nil)

// NewCapabilityRouter creates a router over the registry and subscribes
// it to registry changes. The collector is optional.
func NewCapabilityRouter(registry *AgentRegistry, config *RouterConfig, collector *metrics.Collector, logger *zap.Logger) *CapabilityRouter {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CapabilityRouter{
		registry:  registry,
		config:    config,
		collector: collector,
		logger:    logger.With(zap.String("component", "capability_router")),
		cache:     make(map[cacheKey]cacheEntry),
		stats: RoutingMetrics{
			CapabilityUsage:  make(map[types.CapabilityKind]int64),
			AgentUtilization: make(map[string]int64),
		},
	}
	registry.AddObserver(r)
	return r
}

// ScoreAgentsForCapability scores every agent advertising the kind and
// returns the matches sorted by score, best first. Equal scores order
// newest registration first. Results are cached only for calls without
// preferences; preference-biased scores are always computed fresh.
func (r *CapabilityRouter) ScoreAgentsForCapability(ctx context.Context, kind types.CapabilityKind, versionReq string, prefs *Preferences) []CapabilityMatch {
	versionReq = strings.TrimSpace(versionReq)
	cacheable := prefs.empty()
	key := cacheKey{kind: kind, versionReq: versionReq}

	if cacheable {
		if matches, ok := r.cached(key); ok {
			r.collector.RecordCacheHit("router")
			return matches
		}
		r.collector.RecordCacheMiss("router")
	}

	type candidate struct {
		match CapabilityMatch
		index int64
	}
	candidates := make([]candidate, 0)
	for _, a := range r.registry.GetAgentsByCapability(kind) {
		id := a.ID()
		caps := r.registry.CapabilitiesOf(id)
		best, versionOK, found := bestCapabilityForKind(caps, kind, versionReq)
		if !found {
			continue
		}
		candidates = append(candidates, candidate{
			match: CapabilityMatch{
				AgentID:           id,
				Capability:        best,
				Score:             scoreAgent(a.Status(), id, versionOK, prefs),
				VersionCompatible: versionOK,
			},
			index: r.registry.RegistrationIndex(id),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].match.Score != candidates[j].match.Score {
			return candidates[i].match.Score > candidates[j].match.Score
		}
		return candidates[i].index > candidates[j].index
	})

	matches := make([]CapabilityMatch, len(candidates))
	for i, c := range candidates {
		matches[i] = c.match
	}

	if cacheable {
		r.store(key, matches)
	}
	return matches
}

// cached returns a copy of the unexpired cache entry for the key.
func (r *CapabilityRouter) cached(key cacheKey) ([]CapabilityMatch, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	out := make([]CapabilityMatch, len(entry.matches))
	copy(out, entry.matches)
	return out, true
}

// store caches a copy of the matches under the key.
func (r *CapabilityRouter) store(key cacheKey, matches []CapabilityMatch) {
	stored := make([]CapabilityMatch, len(matches))
	copy(stored, matches)
	r.cacheMu.Lock()
	r.cache[key] = cacheEntry{matches: stored, expiresAt: time.Now().Add(r.config.CacheTTL)}
	r.cacheMu.Unlock()
}

// FindBestAgent returns the highest scoring match at or above the score
// threshold, or a route-failed error when no agent qualifies.
func (r *CapabilityRouter) FindBestAgent(ctx context.Context, kind types.CapabilityKind, versionReq string, prefs *Preferences) (*CapabilityMatch, error) {
	start := time.Now()
	matches := r.ScoreAgentsForCapability(ctx, kind, versionReq, prefs)
	for _, m := range matches {
		if m.Score >= r.config.MinScore {
			best := m
			r.recordRoute(kind, best.AgentID, time.Since(start), true)
			return &best, nil
		}
	}
	r.recordRoute(kind, "", time.Since(start), false)
	return nil, types.Errorf(types.ErrRouteFailed, "no suitable agent for capability %s", kind)
}

// NegotiateCapabilities picks one provider per requested kind on behalf
// of the sender. The sender itself is never chosen; kinds nobody else
// can serve map to an empty agent id. versionReqs may be nil.
func (r *CapabilityRouter) NegotiateCapabilities(ctx context.Context, senderID string, kinds []types.CapabilityKind, versionReqs map[types.CapabilityKind]string) map[types.CapabilityKind]string {
	assignment := make(map[types.CapabilityKind]string, len(kinds))
	for _, kind := range kinds {
		assignment[kind] = ""
		for _, m := range r.ScoreAgentsForCapability(ctx, kind, versionReqs[kind], nil) {
			if m.AgentID == senderID || m.Score < r.config.MinScore {
				continue
			}
			assignment[kind] = m.AgentID
			break
		}
	}
	return assignment
}

// RouteWithFallback dispatches the message to the best provider of the
// primary kind, trying the fallback kinds in order when the primary has
// no provider or its provider fails. A message that uses any fallback is
// counted once, no matter how many fallback kinds are tried.
func (r *CapabilityRouter) RouteWithFallback(ctx context.Context, msg types.Message, primary types.CapabilityKind, fallbacks ...types.CapabilityKind) (types.Message, error) {
	resp, err := r.routeVia(ctx, msg, primary)
	if err == nil {
		return resp, nil
	}

	fellBack := false
	for _, kind := range fallbacks {
		if !fellBack {
			fellBack = true
			r.statsMu.Lock()
			r.stats.FallbackCount++
			r.statsMu.Unlock()
			r.collector.RecordRouteFallback()
			r.logger.Info("routing via fallback capability",
				zap.String("message_id", msg.ID),
				zap.String("primary", string(primary)),
			)
		}
		resp, ferr := r.routeVia(ctx, msg, kind)
		if ferr == nil {
			return resp, nil
		}
	}
	return types.Message{}, types.Errorf(types.ErrRouteFailed,
		"no agent could handle capability %s or its %d fallbacks", primary, len(fallbacks)).WithCause(err)
}

// routeVia dispatches the message to the best scoring provider of the
// kind, excluding the sender. Selection latency excludes the dispatch.
func (r *CapabilityRouter) routeVia(ctx context.Context, msg types.Message, kind types.CapabilityKind) (types.Message, error) {
	start := time.Now()
	var target *CapabilityMatch
	for _, m := range r.ScoreAgentsForCapability(ctx, kind, "", nil) {
		if m.AgentID == msg.SenderID || m.Score < r.config.MinScore {
			continue
		}
		target = &m
		break
	}
	elapsed := time.Since(start)

	if target == nil {
		r.recordRoute(kind, "", elapsed, false)
		return types.Message{}, types.Errorf(types.ErrRouteFailed, "no suitable agent for capability %s", kind)
	}

	a, err := r.registry.GetAgent(target.AgentID)
	if err != nil {
		r.recordRoute(kind, "", elapsed, false)
		return types.Message{}, types.Errorf(types.ErrRouteFailed, "agent %s vanished during routing", target.AgentID).WithCause(err)
	}

	resp, err := a.ProcessMessage(ctx, msg)
	if err != nil {
		r.recordRoute(kind, "", elapsed, false)
		return types.Message{}, types.Errorf(types.ErrRouteFailed, "agent %s failed to process message", target.AgentID).WithCause(err)
	}
	r.recordRoute(kind, target.AgentID, elapsed, true)
	return resp, nil
}

// recordRoute updates the routing statistics after one routing decision.
func (r *CapabilityRouter) recordRoute(kind types.CapabilityKind, agentID string, elapsed time.Duration, ok bool) {
	ms := float64(elapsed.Nanoseconds()) / 1e6

	r.statsMu.Lock()
	r.stats.TotalRoutes++
	r.stats.CapabilityUsage[kind]++
	if ok {
		r.stats.SuccessfulRoutes++
		r.stats.AgentUtilization[agentID]++
	} else {
		r.stats.FailedRoutes++
	}
	if r.stats.TotalRoutes == 1 {
		r.stats.AvgSelectionTimeMs = ms
	} else {
		r.stats.AvgSelectionTimeMs = (1-selectionTimeAlpha)*r.stats.AvgSelectionTimeMs + selectionTimeAlpha*ms
	}
	r.statsMu.Unlock()

	outcome := "failed"
	if ok {
		outcome = "success"
	}
	r.collector.RecordRoute(string(kind), outcome, elapsed)
}

// GetMetrics returns a copy of the routing statistics.
func (r *CapabilityRouter) GetMetrics() RoutingMetrics {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := r.stats
	out.CapabilityUsage = make(map[types.CapabilityKind]int64, len(r.stats.CapabilityUsage))
	for kind, n := range r.stats.CapabilityUsage {
		out.CapabilityUsage[kind] = n
	}
	out.AgentUtilization = make(map[string]int64, len(r.stats.AgentUtilization))
	for id, n := range r.stats.AgentUtilization {
		out.AgentUtilization[id] = n
	}
	return out
}

// GetCapabilityCoverage reports provider counts per kind, kinds with a
// single provider, and the percentage of built-in kinds covered.
func (r *CapabilityRouter) GetCapabilityCoverage(ctx context.Context) CoverageReport {
	counts := r.registry.KindCounts()

	report := CoverageReport{
		TotalAgents:   r.registry.Len(),
		AgentsPerKind: counts,
	}
	for kind, n := range counts {
		if n == 1 {
			report.SinglePointKinds = append(report.SinglePointKinds, kind)
		}
	}
	sort.Slice(report.SinglePointKinds, func(i, j int) bool {
		return report.SinglePointKinds[i] < report.SinglePointKinds[j]
	})

	builtins := types.BuiltinKinds()
	covered := 0
	for _, kind := range builtins {
		if counts[kind] > 0 {
			covered++
		}
	}
	report.CoveragePercent = float64(covered) / float64(len(builtins)) * 100
	return report
}

// ClearCache drops all cached match results.
func (r *CapabilityRouter) ClearCache() {
	r.cacheMu.Lock()
	r.cache = make(map[cacheKey]cacheEntry)
	r.cacheMu.Unlock()
	r.logger.Debug("capability match cache cleared")
}

// OnAgentRegistered implements Observer.
func (r *CapabilityRouter) OnAgentRegistered(agentID string, capabilities []types.Capability) {
	r.ClearCache()
}

// OnAgentUnregistered implements Observer.
func (r *CapabilityRouter) OnAgentUnregistered(agentID string) {
	r.ClearCache()
}

// OnCapabilityUpdated implements Observer.
func (r *CapabilityRouter) OnCapabilityUpdated(agentID string, added, removed []types.Capability) {
	r.ClearCache()
}

// scoreAgent computes the match score for one candidate.
func scoreAgent(status types.AgentStatus, agentID string, versionOK bool, prefs *Preferences) float64 {
	score := scoreBase
	if versionOK {
		score += scoreVersionBonus
	}
	if prefs.empty() {
		score += scoreNoPreferenceBonus
	} else {
		if containsString(prefs.PreferredAgents, agentID) {
			score += scorePreferredBonus
		}
		if containsString(prefs.AvoidAgents, agentID) {
			score -= scoreAvoidPenalty
		}
	}
	switch status {
	case types.AgentStatusIdle:
		score += scoreIdleBonus
	case types.AgentStatusError:
		score -= scoreErrorPenalty
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// bestCapabilityForKind picks the capability of the kind the match should
// carry. Capabilities satisfying the version requirement win over ones
// that do not; among equals the highest parseable version wins.
func bestCapabilityForKind(caps []types.Capability, kind types.CapabilityKind, versionReq string) (types.Capability, bool, bool) {
	var best types.Capability
	found := false
	bestOK := false
	for _, c := range caps {
		if c.Kind != kind {
			continue
		}
		ok := versionReq == "" || types.VersionSatisfies(c.Version, versionReq)
		switch {
		case !found:
			best, bestOK, found = c, ok, true
		case ok != bestOK:
			if ok {
				best, bestOK = c, true
			}
		case newerVersion(c.Version, best.Version):
			best = c
		}
	}
	return best, bestOK, found
}

// newerVersion reports whether a is a strictly newer parseable version
// than b. Unparseable versions never win.
func newerVersion(a, b string) bool {
	av, aok := types.ParseVersion(a)
	if !aok {
		return false
	}
	bv, bok := types.ParseVersion(b)
	if !bok {
		return true
	}
	return types.CompareVersions(av, bv) > 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
