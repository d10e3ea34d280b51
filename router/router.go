// Package router implements tiered provider selection with live health
// tracking and adaptive failover.
//
// Select is a pure function over the router's current state: it never
// blocks, performs no I/O, and fails only with ErrNoViableProvider or
// ErrBudgetExhausted. Health state is owned by the router and mutated
// only through Observe; there is no action at a distance.
package router

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// CapacityView is the budget accountant surface the router consults.
// The router never issues a request it cannot pay for.
type CapacityView interface {
	CreditsRemaining(providerID string) int
}

// LatencyView supplies observed p50 latency per provider (the rate
// limiter maintains it from LATENCY outcomes).
type LatencyView interface {
	ObservedP50(providerID string) time.Duration
}

// Decision is the routing outcome for one attempt.
type Decision struct {
	ProviderID    string
	ModelID       string
	CreditCost    int
	EffectiveTier core.Tier
	Uplifted      bool
}

// RouterConfig wires the router's collaborators and policy.
type RouterConfig struct {
	Capacity   CapacityView
	Latency    LatencyView
	Policy     core.UpliftPolicy
	Thresholds core.HealthThresholds
	Logger     core.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Router selects providers for generation requests.
type Router struct {
	mu          sync.RWMutex
	descriptors map[string]*core.ProviderDescriptor
	health      map[string]*providerHealth
	capacity    CapacityView
	latency     LatencyView
	policy      core.UpliftPolicy
	thresholds  core.HealthThresholds
	now         func() time.Time
	logger      core.Logger
}

// New creates a router over the configured providers.
func New(descriptors []core.ProviderDescriptor, config *RouterConfig) *Router {
	if config == nil {
		config = &RouterConfig{}
	}
	if config.Policy == "" {
		config.Policy = core.UpliftOnExhaustion
	}
	if config.Thresholds.DegradedFailures <= 0 {
		config.Thresholds = core.DefaultConfig().Router.HealthThresholds
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	r := &Router{
		descriptors: make(map[string]*core.ProviderDescriptor, len(descriptors)),
		health:      make(map[string]*providerHealth, len(descriptors)),
		capacity:    config.Capacity,
		latency:     config.Latency,
		policy:      config.Policy,
		thresholds:  config.Thresholds,
		now:         config.Now,
		logger:      core.ComponentLogger(config.Logger, "router"),
	}
	for i := range descriptors {
		d := descriptors[i]
		r.descriptors[d.ID] = &d
		r.health[d.ID] = newProviderHealth(60 * time.Second)
	}
	return r
}

// candidate is one ranked selection option.
type candidate struct {
	providerID string
	modelID    string
	cost       int
	latency    time.Duration
	successes  int
	tieBreak   uint32
}

// Select chooses a provider/model for the request, honoring tier
// support, health, budget, and the exclusion set. When the requested
// tier is exhausted and policy permits, it retries one tier up.
func (r *Router) Select(req *core.GenerationRequest, excluded map[string]bool) (Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tier := req.Tier
	uplifted := false
	budgetBlocked := false

	// Requested tier first, then the uplift path upward when policy
	// permits (VOLUME -> STANDARD -> PREMIUM).
	for {
		cands, blocked := r.candidatesLocked(req, tier, excluded)
		budgetBlocked = budgetBlocked || blocked
		if len(cands) > 0 {
			best := cands[0]
			return Decision{
				ProviderID:    best.providerID,
				ModelID:       best.modelID,
				CreditCost:    best.cost,
				EffectiveTier: tier,
				Uplifted:      uplifted,
			}, nil
		}

		next, ok := tier.Uplift()
		if !ok || r.policy == core.UpliftNever {
			break
		}
		tier = next
		uplifted = true
	}

	// Cost override: ALWAYS_IF_CHEAPER additionally permits serving a
	// budget-blocked request from a cheaper tier below the requested one.
	if budgetBlocked && r.policy == core.UpliftAlwaysIfCheaper {
		for tier, ok := downgrade(req.Tier); ok; tier, ok = downgrade(tier) {
			cands, _ := r.candidatesLocked(req, tier, excluded)
			if len(cands) > 0 {
				best := cands[0]
				return Decision{
					ProviderID:    best.providerID,
					ModelID:       best.modelID,
					CreditCost:    best.cost,
					EffectiveTier: tier,
					Uplifted:      true,
				}, nil
			}
		}
	}

	if budgetBlocked {
		return Decision{}, fmt.Errorf("%w: tier %s", core.ErrBudgetExhausted, req.Tier)
	}
	return Decision{}, fmt.Errorf("%w: tier %s", core.ErrNoViableProvider, req.Tier)
}

// downgrade walks the tier ladder toward cheaper tiers.
func downgrade(t core.Tier) (core.Tier, bool) {
	switch t {
	case core.TierPremium:
		return core.TierStandard, true
	case core.TierStandard:
		return core.TierVolume, true
	default:
		return t, false
	}
}

// candidatesLocked filters and ranks providers for one tier.
// blocked reports that at least one otherwise-viable candidate was
// rejected solely for insufficient budget.
func (r *Router) candidatesLocked(req *core.GenerationRequest, tier core.Tier, excluded map[string]bool) (cands []candidate, blocked bool) {
	for id, d := range r.descriptors {
		if excluded[id] || !d.SupportsTier(tier) {
			continue
		}
		h := r.health[id]
		if h.state == StateUnhealthy {
			continue
		}
		model, ok := d.CheapestModelFor(tier)
		if !ok {
			continue
		}
		if r.capacity != nil && r.capacity.CreditsRemaining(id) < model.CreditCost {
			blocked = true
			continue
		}

		lat := d.TypicalLatency
		if r.latency != nil {
			if observed := r.latency.ObservedP50(id); observed > 0 {
				lat = observed
			}
		}
		// DEGRADED stays eligible but ranks as if twice as slow.
		if h.state == StateDegraded {
			lat *= 2
		}

		cands = append(cands, candidate{
			providerID: id,
			modelID:    model.ID,
			cost:       model.CreditCost,
			latency:    lat,
			successes:  h.consecutiveSuccesses,
			tieBreak:   stableHash(req.RequestID, id),
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		if a.successes != b.successes {
			return a.successes > b.successes
		}
		return a.tieBreak < b.tieBreak
	})
	return cands, blocked
}

// stableHash breaks ties deterministically per (request, provider) so
// equal-cost providers do not herd.
func stableHash(requestID, providerID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(providerID))
	return h.Sum32()
}

// Observe feeds one attempt outcome into the health state machine.
func (r *Router) Observe(providerID string, outcome ObserveOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[providerID]
	if !ok {
		return
	}
	from, to, changed := h.observe(outcome, r.thresholds, r.now())
	if changed {
		r.logger.Warn("Provider health transition", map[string]interface{}{
			"provider_id":          providerID,
			"from":                 from.String(),
			"to":                   to.String(),
			"consecutive_failures": h.consecutiveFailures,
			"rolling_error_rate":   h.window.ErrorRate(),
		})
	}
}

// HealthSnapshot returns the current per-provider health view.
func (r *Router) HealthSnapshot() map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthStatus, len(r.health))
	for id, h := range r.health {
		out[id] = HealthStatus{
			Healthy:              h.state != StateUnhealthy,
			State:                h.state.String(),
			ConsecutiveFailures:  h.consecutiveFailures,
			ConsecutiveSuccesses: h.consecutiveSuccesses,
			LastProbeAt:          h.lastProbeAt,
		}
	}
	return out
}

// RestoreHealth applies a persisted snapshot on startup. Best-effort:
// only the state itself is restored; counters rebuild from live traffic.
func (r *Router) RestoreHealth(snapshot map[string]HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, status := range snapshot {
		h, ok := r.health[id]
		if !ok {
			continue
		}
		switch status.State {
		case StateDegraded.String():
			h.state = StateDegraded
		case StateUnhealthy.String():
			h.state = StateUnhealthy
		}
	}
}

// CapacityReport combines provider budget and tier progress for the
// status surface. The snapshot function is supplied by the budget
// accountant to keep the dependency one-directional.
type CapacityReport struct {
	Providers map[string]int          `json:"remaining_today"`
	Health    map[string]HealthStatus `json:"health"`
}

// Capacity returns per-provider remaining credits and health.
func (r *Router) Capacity() CapacityReport {
	report := CapacityReport{
		Providers: make(map[string]int, len(r.descriptors)),
		Health:    r.HealthSnapshot(),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.descriptors {
		if r.capacity != nil {
			report.Providers[id] = r.capacity.CreditsRemaining(id)
		}
	}
	return report
}

// Descriptors returns the configured provider set.
func (r *Router) Descriptors() []core.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ProviderDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Descriptor returns the static descriptor for a provider.
func (r *Router) Descriptor(providerID string) (*core.ProviderDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[providerID]
	return d, ok
}

// unhealthyDueForProbe lists UNHEALTHY providers whose last probe is
// older than the probe interval. Used by the recovery prober.
func (r *Router) unhealthyDueForProbe() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []string
	now := r.now()
	for id, h := range r.health {
		if h.state != StateUnhealthy {
			continue
		}
		if now.Sub(h.lastProbeAt) >= r.thresholds.ProbeInterval {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	return due
}

// recordProbe applies a probe result.
func (r *Router) recordProbe(providerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[providerID]
	if !ok {
		return
	}
	now := r.now()
	if err != nil {
		h.lastProbeAt = now
		return
	}
	if h.probeSucceeded(now) {
		r.logger.Info("Provider recovered via probe", map[string]interface{}{
			"provider_id": providerID,
			"state":       h.state.String(),
		})
	}
}
