package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

func newJob(requestID, providerID string) *core.ProviderJob {
	return &core.ProviderJob{
		RequestID:   requestID,
		ProviderID:  providerID,
		ModelID:     "fast",
		State:       core.JobSubmitting,
		Attempts:    1,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := newJob("req-1", "useapi")
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, job.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RequestID != "req-1" || got.State != core.JobSubmitting {
		t.Errorf("got %+v", got)
	}

	if err := s.Create(ctx, newJob("req-1", "useapi")); err == nil {
		t.Error("duplicate create should fail")
	}
	if _, err := s.Get(ctx, "useapi:nope"); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("missing key: got %v", err)
	}
}

func TestTransitionForward(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := newJob("req-1", "useapi")
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := s.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobRunning
		return nil
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.State != core.JobRunning {
		t.Errorf("state = %s", got.State)
	}
}

func TestTransitionRejectsRegression(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := newJob("req-1", "useapi")
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// RUNNING -> PENDING is a regression and must leave the job untouched.
	_, err := s.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobPending
		return nil
	})
	if !errors.Is(err, core.ErrStateRegression) {
		t.Fatalf("expected ErrStateRegression, got %v", err)
	}
	got, _ := s.Get(ctx, job.Key())
	if got.State != core.JobRunning {
		t.Errorf("rejected transition mutated state to %s", got.State)
	}
}

func TestTransitionRejectsTerminalEscape(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := newJob("req-1", "useapi")
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobCanceled
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobRunning
		return nil
	})
	if !errors.Is(err, core.ErrStateRegression) {
		t.Errorf("terminal state escaped: %v", err)
	}
}

func TestTransitionRekeysOnProviderJobID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := newJob("req-1", "useapi")
	oldKey := job.Key()
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := s.Transition(ctx, oldKey, func(j *core.ProviderJob) error {
		j.ProviderJobID = "u-42"
		j.State = core.JobPending
		return nil
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Key() != "useapi:u-42" {
		t.Fatalf("new key = %s", got.Key())
	}
	if _, err := s.Get(ctx, oldKey); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("old key still present: %v", err)
	}
	if _, err := s.Get(ctx, "useapi:u-42"); err != nil {
		t.Errorf("new key missing: %v", err)
	}

	// The request mapping follows the rekey.
	active, err := s.ActiveForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ActiveForRequest: %v", err)
	}
	if active.Key() != "useapi:u-42" {
		t.Errorf("active key = %s", active.Key())
	}
}

func TestActiveForRequestClearsOnTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := newJob("req-1", "useapi")
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobSucceeded
		j.ArtifactURI = "https://cdn.example/vid.mp4"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveForRequest(ctx, "req-1"); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("terminal job still active: %v", err)
	}
}

func TestActiveMappingSurvivesSupersededTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stale := newJob("req-1", "useapi")
	if err := s.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	// A second attempt on another provider takes over the mapping.
	fresh := newJob("req-1", "ltx")
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	// Canceling the stale attempt must not clear the fresh mapping.
	if _, err := s.Transition(ctx, stale.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobCanceled
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	active, err := s.ActiveForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ActiveForRequest: %v", err)
	}
	if active.ProviderID != "ltx" {
		t.Errorf("active provider = %s, want ltx", active.ProviderID)
	}
}

func TestListNonTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		if err := s.Create(ctx, newJob(id, "useapi")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Transition(ctx, (&core.ProviderJob{RequestID: "req-2", ProviderID: "useapi"}).Key(),
		func(j *core.ProviderJob) error {
			j.State = core.JobFailed
			j.FailureKind = core.FailureTransientNetwork
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	live, err := s.ListNonTerminal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 {
		t.Fatalf("live = %d, want 2", len(live))
	}
	for _, j := range live {
		if j.RequestID == "req-2" {
			t.Errorf("terminal job listed: %+v", j)
		}
	}
}

func TestListUnuploaded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		if err := s.Create(ctx, newJob(id, "useapi")); err != nil {
			t.Fatal(err)
		}
	}
	succeed := func(requestID string, uploaded bool) {
		t.Helper()
		key := (&core.ProviderJob{RequestID: requestID, ProviderID: "useapi"}).Key()
		if _, err := s.Transition(ctx, key, func(j *core.ProviderJob) error {
			j.State = core.JobSucceeded
			j.ArtifactURI = "https://cdn.example/" + requestID + ".mp4"
			j.Uploaded = uploaded
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	succeed("req-1", false)
	succeed("req-2", true)
	// req-3 stays non-terminal.

	pending, err := s.ListUnuploaded(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].RequestID != "req-1" {
		t.Fatalf("pending = %+v, want only req-1", pending)
	}

	// Marking the artifact uploaded empties the list.
	if _, err := s.Transition(ctx, pending[0].Key(), func(j *core.ProviderJob) error {
		j.Uploaded = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	pending, err = s.ListUnuploaded(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want empty", pending)
	}
}

func TestRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetRecord(ctx, "req-1"); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("missing record: got %v", err)
	}

	rec := &core.RequestRecord{
		RequestID:      "req-1",
		Tier:           core.TierVolume,
		State:          core.RecordCompleted,
		Attempts:       1,
		ProvidersTried: []string{"useapi"},
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRecord(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != core.RecordCompleted || got.Attempts != 1 {
		t.Errorf("got %+v", got)
	}

	// Upsert replaces the prior record.
	rec.State = core.RecordFailed
	rec.FinalErrorKind = core.FailureNoViableProvider
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRecord(ctx, "req-1")
	if got.State != core.RecordFailed {
		t.Errorf("upsert did not replace: %+v", got)
	}
}
