package router

import (
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/ratelimit"
)

// HealthState is the router's view of one provider.
type HealthState int

const (
	// StateHealthy providers are fully eligible for selection.
	StateHealthy HealthState = iota
	// StateDegraded providers remain eligible but are de-prioritized.
	StateDegraded
	// StateUnhealthy providers are excluded until a recovery probe succeeds.
	StateUnhealthy
)

// String returns the string representation of the state.
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ObserveOutcome is what the worker or poller reports after an attempt.
type ObserveOutcome int

const (
	ObserveSuccess ObserveOutcome = iota
	ObserveFailure
	// ObserveOutage is a recognized outage signature; it forces the
	// provider UNHEALTHY immediately regardless of counters.
	ObserveOutage
)

// providerHealth is the mutable health record for one provider.
// All mutation happens inside Router.Observe under the router lock;
// selection reads a copy.
type providerHealth struct {
	state                HealthState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastProbeAt          time.Time
	lastTransitionAt     time.Time
	window               *ratelimit.Window
}

func newProviderHealth(windowSize time.Duration) *providerHealth {
	return &providerHealth{
		state:  StateHealthy,
		window: ratelimit.NewWindow(windowSize, 12),
	}
}

// observe applies one outcome and returns the state transition, if any.
func (h *providerHealth) observe(outcome ObserveOutcome, t core.HealthThresholds, now time.Time) (from, to HealthState, changed bool) {
	from = h.state

	switch outcome {
	case ObserveOutage:
		h.consecutiveSuccesses = 0
		h.consecutiveFailures++
		h.window.RecordFailure()
		h.state = StateUnhealthy

	case ObserveFailure:
		h.consecutiveSuccesses = 0
		h.consecutiveFailures++
		h.window.RecordFailure()
		rate := h.window.ErrorRate()
		switch h.state {
		case StateHealthy:
			if h.consecutiveFailures >= t.DegradedFailures || rate > t.DegradedErrorRate {
				h.state = StateDegraded
			}
		case StateDegraded:
			if h.consecutiveFailures >= t.UnhealthyFailures || rate > t.UnhealthyErrorRate {
				h.state = StateUnhealthy
			}
		}

	case ObserveSuccess:
		h.consecutiveFailures = 0
		h.consecutiveSuccesses++
		h.window.RecordOK()
		switch h.state {
		case StateDegraded:
			if h.consecutiveSuccesses >= t.RecoverySuccesses {
				h.state = StateHealthy
			}
		case StateUnhealthy:
			// Only a recovery probe lifts UNHEALTHY; a stray success
			// from an in-flight job is recorded but does not transition.
		}
	}

	if h.state != from {
		h.lastTransitionAt = now
		return from, h.state, true
	}
	return from, h.state, false
}

// probeSucceeded moves an UNHEALTHY provider back to DEGRADED.
func (h *providerHealth) probeSucceeded(now time.Time) bool {
	h.lastProbeAt = now
	if h.state != StateUnhealthy {
		return false
	}
	h.state = StateDegraded
	h.consecutiveFailures = 0
	h.lastTransitionAt = now
	return true
}

// HealthStatus is the exported snapshot of one provider's health.
type HealthStatus struct {
	Healthy              bool      `json:"healthy"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastProbeAt          time.Time `json:"last_probe_at,omitempty"`
}
