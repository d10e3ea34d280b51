// Package budget is the single source of truth for per-day, per-provider
// credit envelopes and per-tier production counts.
//
// Reservations are optimistic holds taken at submission time; exactly one
// Commit or Release settles each one. After every operation the invariant
//
//	remaining + reserved + committed == daily limit
//
// holds for each provider. At the UTC day boundary the ledger resets;
// credits still reserved by in-flight jobs carry into an overflow bucket
// so they do not re-inflate the new day's limit.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// ledger is one provider's envelope for the current day.
type ledger struct {
	limit     int
	remaining int
	reserved  int
	committed int
	// overflow tracks reservations carried across a day boundary.
	// They settle against the overflow bucket, not the new day's limit.
	overflow int
}

// reservation is an unsettled optimistic hold.
type reservation struct {
	providerID string
	credits    int
	overflow   bool
}

// tierCounts tracks per-tier production against the daily target.
type tierCounts struct {
	Target    int `json:"target"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProviderSnapshot is one provider's ledger view.
type ProviderSnapshot struct {
	DailyLimit int `json:"daily_limit"`
	Remaining  int `json:"remaining"`
	Reserved   int `json:"reserved"`
	Committed  int `json:"committed"`
	Overflow   int `json:"overflow"`
}

// Snapshot is the full accountant view used by the router and monitoring.
type Snapshot struct {
	Date      string                       `json:"date"`
	Providers map[string]ProviderSnapshot  `json:"providers"`
	Tiers     map[core.Tier]tierCounts     `json:"tiers"`
}

// AccountantConfig configures the accountant.
type AccountantConfig struct {
	// TierTargets are the per-tier daily production targets.
	TierTargets map[core.Tier]int

	// Store optionally persists the ledger for restart recovery.
	Store Store

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Logger is an optional logger.
	Logger core.Logger
}

// Accountant tracks daily credit envelopes. All operations are cheap
// counter arithmetic under one mutex; this is the one cross-handler
// critical section and it stays short.
type Accountant struct {
	mu           sync.Mutex
	date         string
	ledgers      map[string]*ledger
	limits       map[string]int
	reservations map[string]*reservation
	tiers        map[core.Tier]*tierCounts
	tierTargets  map[core.Tier]int
	store        Store
	now          func() time.Time
	logger       core.Logger
}

// NewAccountant creates an accountant for the given provider caps.
// A zero or negative cap means unlimited (modeled as a very large limit).
func NewAccountant(descriptors []core.ProviderDescriptor, config *AccountantConfig) *Accountant {
	if config == nil {
		config = &AccountantConfig{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	a := &Accountant{
		ledgers:      make(map[string]*ledger, len(descriptors)),
		limits:       make(map[string]int, len(descriptors)),
		reservations: make(map[string]*reservation),
		tiers:        make(map[core.Tier]*tierCounts),
		tierTargets:  config.TierTargets,
		store:        config.Store,
		now:          config.Now,
		logger:       core.ComponentLogger(config.Logger, "budget"),
	}
	for i := range descriptors {
		d := &descriptors[i]
		a.limits[d.ID] = normalizeCap(d.DailyCreditCap)
	}
	a.resetLocked(utcDate(a.now()))
	return a
}

const unlimitedCredits = 1 << 40

func normalizeCap(cap int) int {
	if cap <= 0 {
		return unlimitedCredits
	}
	return cap
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// resetLocked starts a fresh day, carrying unsettled reservations into
// the overflow bucket. Caller holds a.mu (or is the constructor).
func (a *Accountant) resetLocked(date string) {
	a.date = date
	for id, limit := range a.limits {
		a.ledgers[id] = &ledger{limit: limit, remaining: limit}
	}
	for _, res := range a.reservations {
		res.overflow = true
		if l, ok := a.ledgers[res.providerID]; ok {
			l.overflow += res.credits
		}
	}
	for tier, target := range a.tierTargets {
		a.tiers[tier] = &tierCounts{Target: target}
	}
	for _, tier := range []core.Tier{core.TierPremium, core.TierStandard, core.TierVolume} {
		if _, ok := a.tiers[tier]; !ok {
			a.tiers[tier] = &tierCounts{}
		}
	}
}

// rolloverLocked resets the ledger when the UTC day has changed.
func (a *Accountant) rolloverLocked() {
	today := utcDate(a.now())
	if today == a.date {
		return
	}
	a.logger.Info("Budget ledger rolled over", map[string]interface{}{
		"previous_date":       a.date,
		"date":                today,
		"carried_reservations": len(a.reservations),
	})
	a.resetLocked(today)
}

// Reserve places an optimistic hold of credits against a provider.
// Returns ErrBudgetExhausted when the envelope cannot cover it.
func (a *Accountant) Reserve(providerID string, credits int) (string, error) {
	if credits < 0 {
		return "", fmt.Errorf("credits cannot be negative")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked()

	l, ok := a.ledgers[providerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownProvider, providerID)
	}
	if l.remaining < credits {
		return "", fmt.Errorf("%w: provider %s has %d credits remaining, need %d",
			core.ErrBudgetExhausted, providerID, l.remaining, credits)
	}
	l.remaining -= credits
	l.reserved += credits

	id := uuid.NewString()
	a.reservations[id] = &reservation{providerID: providerID, credits: credits}
	return id, nil
}

// Commit settles a reservation on terminal success, permanently
// decrementing the envelope.
func (a *Accountant) Commit(reservationID string) error {
	return a.settle(reservationID, true)
}

// Release settles a reservation on terminal failure, returning the
// credits to the envelope.
func (a *Accountant) Release(reservationID string) error {
	return a.settle(reservationID, false)
}

func (a *Accountant) settle(reservationID string, commit bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked()

	res, ok := a.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrReservationNotFound, reservationID)
	}
	delete(a.reservations, reservationID)

	l, ok := a.ledgers[res.providerID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownProvider, res.providerID)
	}

	if res.overflow {
		// Settles against the previous day's carried bucket; the spend
		// was already charged to the prior day's envelope either way.
		l.overflow -= res.credits
		return nil
	}

	l.reserved -= res.credits
	if commit {
		l.committed += res.credits
	} else {
		l.remaining += res.credits
	}
	return nil
}

// RecordOutcome updates the per-tier production counters.
func (a *Accountant) RecordOutcome(tier core.Tier, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked()
	tc, ok := a.tiers[tier]
	if !ok {
		tc = &tierCounts{}
		a.tiers[tier] = tc
	}
	if success {
		tc.Completed++
	} else {
		tc.Failed++
	}
}

// CreditsRemaining returns the provider's uncommitted, unreserved credits.
// Unknown providers report zero. Used by the router's budget filter.
func (a *Accountant) CreditsRemaining(providerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked()
	if l, ok := a.ledgers[providerID]; ok {
		return l.remaining
	}
	return 0
}

// Snapshot returns the full ledger view.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked()

	s := Snapshot{
		Date:      a.date,
		Providers: make(map[string]ProviderSnapshot, len(a.ledgers)),
		Tiers:     make(map[core.Tier]tierCounts, len(a.tiers)),
	}
	for id, l := range a.ledgers {
		s.Providers[id] = ProviderSnapshot{
			DailyLimit: l.limit,
			Remaining:  l.remaining,
			Reserved:   l.reserved,
			Committed:  l.committed,
			Overflow:   l.overflow,
		}
	}
	for tier, tc := range a.tiers {
		s.Tiers[tier] = *tc
	}
	return s
}

// CheckInvariant verifies remaining + reserved + committed == limit for
// every provider. Returns the first violation found.
func (a *Accountant) CheckInvariant() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, l := range a.ledgers {
		if l.remaining+l.reserved+l.committed != l.limit {
			return fmt.Errorf("budget invariant violated for %s: %d + %d + %d != %d",
				id, l.remaining, l.reserved, l.committed, l.limit)
		}
	}
	return nil
}
