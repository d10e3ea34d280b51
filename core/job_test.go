package core

import (
	"testing"
	"time"
)

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{JobSucceeded, JobFailed, JobExpired, JobCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{JobSubmitting, JobPending, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestJobStateMonotonicTransitions(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobSubmitting, JobPending, true},
		{JobSubmitting, JobRunning, true},
		{JobSubmitting, JobSucceeded, true},
		{JobPending, JobRunning, true},
		{JobPending, JobSubmitting, false},
		{JobRunning, JobPending, false},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobFailed, true},
		{JobPending, JobExpired, true},
		{JobSucceeded, JobFailed, false},
		{JobSucceeded, JobRunning, false},
		{JobFailed, JobSucceeded, false},
		{JobCanceled, JobRunning, false},
		{JobExpired, JobCanceled, false},
		// CANCELED is reachable from any non-terminal state.
		{JobSubmitting, JobCanceled, true},
		{JobPending, JobCanceled, true},
		{JobRunning, JobCanceled, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobKeyFallsBackToRequestID(t *testing.T) {
	job := &ProviderJob{RequestID: "req-1", ProviderID: "useapi"}
	if got := job.Key(); got != "useapi:req:req-1" {
		t.Errorf("Key() = %q", got)
	}
	job.AttemptID = "a1"
	if got := job.Key(); got != "useapi:req:req-1:a1" {
		t.Errorf("Key() = %q", got)
	}
	job.ProviderJobID = "abc123"
	if got := job.Key(); got != "useapi:abc123" {
		t.Errorf("Key() = %q", got)
	}
}

func TestJobKeysDistinctAcrossAttempts(t *testing.T) {
	first := &ProviderJob{RequestID: "req-1", ProviderID: "useapi", AttemptID: "a1"}
	second := &ProviderJob{RequestID: "req-1", ProviderID: "useapi", AttemptID: "a2"}
	if first.Key() == second.Key() {
		t.Errorf("attempts share key %q", first.Key())
	}
}

func TestJobAge(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	job := &ProviderJob{SubmittedAt: start}
	if got := job.Age(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Age() = %v", got)
	}
}
