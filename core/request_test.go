package core

import (
	"errors"
	"testing"
	"time"
)

func TestTierUplift(t *testing.T) {
	if next, ok := TierVolume.Uplift(); !ok || next != TierStandard {
		t.Errorf("VOLUME uplift = %s, %v", next, ok)
	}
	if next, ok := TierStandard.Uplift(); !ok || next != TierPremium {
		t.Errorf("STANDARD uplift = %s, %v", next, ok)
	}
	if _, ok := TierPremium.Uplift(); ok {
		t.Error("PREMIUM should not uplift")
	}
}

func TestGenerationRequestValidate(t *testing.T) {
	valid := GenerationRequest{
		RequestID:       "r1",
		Tier:            TierStandard,
		Prompt:          "a coastal timelapse",
		DurationSeconds: 30,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*GenerationRequest)
	}{
		{"empty id", func(r *GenerationRequest) { r.RequestID = "" }},
		{"bad tier", func(r *GenerationRequest) { r.Tier = "GOLD" }},
		{"empty prompt", func(r *GenerationRequest) { r.Prompt = "" }},
		{"zero duration", func(r *GenerationRequest) { r.DurationSeconds = 0 }},
	}
	for _, tt := range tests {
		r := valid
		tt.mutate(&r)
		err := r.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("%s: error %v does not wrap ErrInvalidConfiguration", tt.name, err)
		}
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{
		10 * time.Second,  // attempt 1
		20 * time.Second,  // attempt 2
		40 * time.Second,  // attempt 3
		80 * time.Second,  // attempt 4
		160 * time.Second, // attempt 5
	}
	for i, w := range want {
		if got := p.NextBackoff(i + 1); got != w {
			t.Errorf("NextBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.NextBackoff(10); got != 300*time.Second {
		t.Errorf("backoff should cap at 300s, got %v", got)
	}
}

func TestKindOfSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{ErrBudgetExhausted, FailureBudgetExhausted},
		{ErrNoViableProvider, FailureNoViableProvider},
		{ErrRateLimitUnavailable, FailureDeadlineExceeded},
		{errors.New("boom"), FailureInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestFailureKindRetryable(t *testing.T) {
	if !FailureTransientNetwork.Retryable() || !FailureProviderOutage.Retryable() {
		t.Error("transient kinds should be retryable")
	}
	if FailureBudgetExhausted.Retryable() || FailureInternal.Retryable() {
		t.Error("terminal kinds should not be retryable")
	}
}
