package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

func testDescriptors() []core.ProviderDescriptor {
	return []core.ProviderDescriptor{
		{
			ID:             "useapi",
			Models:         []core.ModelSpec{{ID: "fast", CreditCost: 10, Tiers: []core.Tier{core.TierVolume}}},
			RateLimit:      core.RateLimitSpec{RequestsPerSecond: 1},
			DailyCreditCap: 100,
		},
		{
			ID:             "ltx",
			Models:         []core.ModelSpec{{ID: "ltx-2", CreditCost: 25, Tiers: []core.Tier{core.TierPremium}}},
			RateLimit:      core.RateLimitSpec{RequestsPerSecond: 1},
			DailyCreditCap: 0, // unlimited
		},
	}
}

func newTestAccountant(now *time.Time) *Accountant {
	return NewAccountant(testDescriptors(), &AccountantConfig{
		TierTargets: map[core.Tier]int{core.TierPremium: 3, core.TierStandard: 6, core.TierVolume: 15},
		Now:         func() time.Time { return *now },
	})
}

func TestReserveCommitConservesBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)

	id, err := a.Reserve("useapi", 30)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := a.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
	if got := a.CreditsRemaining("useapi"); got != 70 {
		t.Errorf("remaining after reserve = %d, want 70", got)
	}

	if err := a.Commit(id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
	snap := a.Snapshot().Providers["useapi"]
	if snap.Committed != 30 || snap.Reserved != 0 || snap.Remaining != 70 {
		t.Errorf("snapshot after commit = %+v", snap)
	}
}

func TestReleaseReturnsCredits(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)

	id, _ := a.Reserve("useapi", 40)
	if err := a.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := a.CreditsRemaining("useapi"); got != 100 {
		t.Errorf("remaining after release = %d, want 100", got)
	}
	if err := a.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestReserveExhaustion(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)

	if _, err := a.Reserve("useapi", 90); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := a.Reserve("useapi", 20)
	if !errors.Is(err, core.ErrBudgetExhausted) {
		t.Errorf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestSettleTwiceFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)

	id, _ := a.Reserve("useapi", 10)
	if err := a.Commit(id); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(id); !errors.Is(err, core.ErrReservationNotFound) {
		t.Errorf("second commit should fail with ErrReservationNotFound, got %v", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)
	if _, err := a.Reserve("nope", 1); !errors.Is(err, core.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
	if got := a.CreditsRemaining("nope"); got != 0 {
		t.Errorf("unknown provider remaining = %d, want 0", got)
	}
}

func TestUTCDayRolloverCarriesReservationsIntoOverflow(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	a := newTestAccountant(&now)

	id, _ := a.Reserve("useapi", 30)

	// Cross midnight UTC mid-flight.
	now = time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)

	if got := a.CreditsRemaining("useapi"); got != 100 {
		t.Errorf("new day remaining = %d, want full limit 100", got)
	}
	snap := a.Snapshot().Providers["useapi"]
	if snap.Overflow != 30 {
		t.Errorf("overflow = %d, want 30", snap.Overflow)
	}

	// Settling the carried reservation touches only the overflow bucket.
	if err := a.Commit(id); err != nil {
		t.Fatalf("commit carried reservation: %v", err)
	}
	snap = a.Snapshot().Providers["useapi"]
	if snap.Overflow != 0 || snap.Committed != 0 || snap.Remaining != 100 {
		t.Errorf("post-settle snapshot = %+v", snap)
	}
	if err := a.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestUnlimitedCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)
	for i := 0; i < 1000; i++ {
		id, err := a.Reserve("ltx", 25)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if err := a.Commit(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordOutcomeCounts(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAccountant(&now)

	a.RecordOutcome(core.TierVolume, true)
	a.RecordOutcome(core.TierVolume, true)
	a.RecordOutcome(core.TierVolume, false)

	tc := a.Snapshot().Tiers[core.TierVolume]
	if tc.Completed != 2 || tc.Failed != 1 || tc.Target != 15 {
		t.Errorf("tier counts = %+v", tc)
	}
}
