package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

func testLimiter(t *testing.T) *Limiter {
	t.Helper()
	return NewLimiter([]core.ProviderDescriptor{
		{
			ID:        "useapi",
			Models:    []core.ModelSpec{{ID: "fast", CreditCost: 1, Tiers: []core.Tier{core.TierVolume}}},
			RateLimit: core.RateLimitSpec{RequestsPerSecond: 100, Burst: 10, MaxConcurrent: 2},
		},
	}, nil)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := testLimiter(t)
	lease, err := l.Acquire(context.Background(), "useapi")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(lease, Outcome{Class: OutcomeOK, Latency: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireUnknownProvider(t *testing.T) {
	l := testLimiter(t)
	if _, err := l.Acquire(context.Background(), "nope"); !errors.Is(err, core.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestConcurrencyCapBlocks(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	a, err := l.Acquire(ctx, "useapi")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Acquire(ctx, "useapi")
	if err != nil {
		t.Fatal(err)
	}

	// Both slots held: the third acquire must time out.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(shortCtx, "useapi"); !errors.Is(err, core.ErrRateLimitUnavailable) {
		t.Errorf("expected ErrRateLimitUnavailable, got %v", err)
	}

	l.Release(a, Outcome{Class: OutcomeOK})
	l.Release(b, Outcome{Class: OutcomeOK})

	if lease, err := l.Acquire(ctx, "useapi"); err != nil {
		t.Errorf("acquire after release: %v", err)
	} else {
		l.Release(lease, Outcome{Class: OutcomeOK})
	}
}

func TestDoubleReleaseRejected(t *testing.T) {
	l := testLimiter(t)
	lease, _ := l.Acquire(context.Background(), "useapi")
	if err := l.Release(lease, Outcome{Class: OutcomeOK}); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(lease, Outcome{Class: OutcomeOK}); !errors.Is(err, core.ErrLeaseAlreadyReleased) {
		t.Errorf("expected ErrLeaseAlreadyReleased, got %v", err)
	}
}

func roundTrip(t *testing.T, l *Limiter, class OutcomeClass) {
	t.Helper()
	lease, err := l.Acquire(context.Background(), "useapi")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(lease, Outcome{Class: class}); err != nil {
		t.Fatal(err)
	}
}

func TestBackoffDoublesUnderServerErrors(t *testing.T) {
	l := testLimiter(t)

	roundTrip(t, l, OutcomeServerError)
	stats, _ := l.Stats("useapi")
	if stats.BackoffMultiplier != 2 {
		t.Fatalf("backoff after first server error = %v, want 2", stats.BackoffMultiplier)
	}
	if stats.EffectiveQPS != 50 {
		t.Errorf("effective qps = %v, want 50", stats.EffectiveQPS)
	}

	// Keep failing: multiplier climbs but never past the cap.
	for i := 0; i < 10; i++ {
		roundTrip(t, l, OutcomeServerError)
	}
	stats, _ = l.Stats("useapi")
	if stats.BackoffMultiplier != 8 {
		t.Errorf("backoff should cap at 8, got %v", stats.BackoffMultiplier)
	}
}

func TestBackoffRecoversAfterOKRun(t *testing.T) {
	l := testLimiter(t)
	roundTrip(t, l, OutcomeServerError)
	roundTrip(t, l, OutcomeServerError)
	stats, _ := l.Stats("useapi")
	if stats.BackoffMultiplier != 4 {
		t.Fatalf("backoff = %v, want 4", stats.BackoffMultiplier)
	}

	// Five straight OKs halve the multiplier once.
	for i := 0; i < 5; i++ {
		roundTrip(t, l, OutcomeOK)
	}
	stats, _ = l.Stats("useapi")
	if stats.BackoffMultiplier != 2 {
		t.Errorf("backoff after recovery run = %v, want 2", stats.BackoffMultiplier)
	}
}

func TestClientErrorsDoNotBackOff(t *testing.T) {
	l := testLimiter(t)
	for i := 0; i < 5; i++ {
		roundTrip(t, l, OutcomeClientError)
	}
	stats, _ := l.Stats("useapi")
	if stats.BackoffMultiplier != 1 {
		t.Errorf("client errors changed backoff to %v", stats.BackoffMultiplier)
	}
}

func TestObservedP50(t *testing.T) {
	l := testLimiter(t)
	for _, d := range []time.Duration{100, 200, 300, 400, 500} {
		lease, _ := l.Acquire(context.Background(), "useapi")
		l.Release(lease, Outcome{Class: OutcomeOK, Latency: d * time.Millisecond})
	}
	p50 := l.ObservedP50("useapi")
	if p50 < 200*time.Millisecond || p50 > 400*time.Millisecond {
		t.Errorf("p50 = %v, want around 300ms", p50)
	}
}

func TestRestoreBackoffMultipliers(t *testing.T) {
	l := testLimiter(t)
	l.RestoreBackoffMultipliers(map[string]float64{"useapi": 4, "ghost": 16})
	stats, _ := l.Stats("useapi")
	if stats.BackoffMultiplier != 4 {
		t.Errorf("restored backoff = %v, want 4", stats.BackoffMultiplier)
	}
}
