package poller

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/budget"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/jobstore"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider/mock"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/ratelimit"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/router"
)

type harness struct {
	poller     *Poller
	store      *jobstore.MemoryStore
	accountant *budget.Accountant
	router     *router.Router
	mock       *mock.Provider
	now        *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	descriptors := []core.ProviderDescriptor{
		{
			ID:            "useapi",
			SupportsTiers: []core.Tier{core.TierVolume, core.TierStandard},
			Models: []core.ModelSpec{
				{ID: "fast", CreditCost: 2, Tiers: []core.Tier{core.TierVolume, core.TierStandard}},
			},
			RateLimit:      core.RateLimitSpec{RequestsPerSecond: 100, Burst: 10, MaxConcurrent: 4},
			DailyCreditCap: 100,
			MaxJobLifetime: 900 * time.Second,
		},
	}
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	accountant := budget.NewAccountant(descriptors, &budget.AccountantConfig{
		TierTargets: map[core.Tier]int{core.TierStandard: 6},
		Now:         clock,
	})
	limiter := ratelimit.NewLimiter(descriptors, nil)
	rt := router.New(descriptors, &router.RouterConfig{
		Capacity: accountant,
		Latency:  limiter,
		Now:      clock,
	})
	store := jobstore.NewMemoryStore()
	mp := mock.New()

	p := New(store, map[string]provider.VideoProvider{"useapi": mp}, limiter, accountant, rt, nil, &Config{
		Now: clock,
	})
	return &harness{poller: p, store: store, accountant: accountant, router: rt, mock: mp, now: &now}
}

// seedJob creates a RUNNING job with an open reservation, the state an
// async submission leaves behind.
func (h *harness) seedJob(t *testing.T, requestID, providerJobID string) *core.ProviderJob {
	t.Helper()
	reservationID, err := h.accountant.Reserve("useapi", 2)
	if err != nil {
		t.Fatal(err)
	}
	job := &core.ProviderJob{
		RequestID:     requestID,
		ProviderID:    "useapi",
		ProviderJobID: providerJobID,
		ModelID:       "fast",
		State:         core.JobRunning,
		Attempts:      1,
		ReservationID: reservationID,
		SubmittedAt:   *h.now,
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	h.store.SaveRecord(context.Background(), &core.RequestRecord{
		RequestID: requestID,
		Tier:      core.TierStandard,
		State:     core.RecordPending,
		UpdatedAt: *h.now,
	})
	return job
}

func TestPollCompletesSucceededJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")
	h.mock.PollScript = []provider.PollResult{
		{State: core.JobSucceeded, ArtifactURI: "https://cdn.example/vid.mp4", CreditsCharged: 2},
	}

	h.poller.pollJob(ctx, job)

	got, err := h.store.Get(ctx, job.Key())
	if err != nil {
		t.Fatal(err)
	}
	if got.State != core.JobSucceeded || got.ArtifactURI != "https://cdn.example/vid.mp4" {
		t.Errorf("job = %+v", got)
	}

	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordCompleted || rec.Tier != core.TierStandard {
		t.Errorf("record = %+v, err %v", rec, err)
	}

	// Reservation committed: 100 - 2 stays spent.
	if got := h.accountant.CreditsRemaining("useapi"); got != 98 {
		t.Errorf("remaining = %d, want 98", got)
	}
	if err := h.accountant.CheckInvariant(); err != nil {
		t.Errorf("invariant: %v", err)
	}
	if h.poller.Stats().Completed != 1 {
		t.Errorf("stats = %+v", h.poller.Stats())
	}
}

func TestPollReleasesBudgetOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")
	h.mock.PollScript = []provider.PollResult{
		{State: core.JobFailed, FailureKind: core.FailureProviderOutage},
	}

	h.poller.pollJob(ctx, job)

	got, _ := h.store.Get(ctx, job.Key())
	if got.State != core.JobFailed || got.FailureKind != core.FailureProviderOutage {
		t.Errorf("job = %+v", got)
	}
	if remaining := h.accountant.CreditsRemaining("useapi"); remaining != 100 {
		t.Errorf("remaining = %d, want 100 after release", remaining)
	}
	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordFailed || rec.FinalErrorKind != core.FailureProviderOutage {
		t.Errorf("record = %+v, err %v", rec, err)
	}
}

func TestPollKeepsRunningJobAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")
	h.mock.PollScript = []provider.PollResult{{State: core.JobRunning}}

	h.poller.pollJob(ctx, job)

	got, _ := h.store.Get(ctx, job.Key())
	if got.State != core.JobRunning {
		t.Errorf("state = %s", got.State)
	}
	if !got.LastPolledAt.Equal(*h.now) {
		t.Errorf("last polled = %v", got.LastPolledAt)
	}
	if _, err := h.store.GetRecord(ctx, "req-1"); err != nil {
		t.Errorf("pending record should survive: %v", err)
	}
}

func TestPollExpiresOverdueJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")

	// Age the job past the provider's lifetime cap.
	*h.now = h.now.Add(901 * time.Second)

	h.poller.pollJob(ctx, job)

	got, _ := h.store.Get(ctx, job.Key())
	if got.State != core.JobExpired || got.FailureKind != core.FailureDeadlineExceeded {
		t.Errorf("job = %+v", got)
	}
	if remaining := h.accountant.CreditsRemaining("useapi"); remaining != 100 {
		t.Errorf("remaining = %d, want 100", remaining)
	}
	rec, _ := h.store.GetRecord(ctx, "req-1")
	if rec == nil || rec.FinalErrorKind != core.FailureDeadlineExceeded {
		t.Errorf("record = %+v", rec)
	}
	if h.poller.Stats().Expired != 1 {
		t.Errorf("stats = %+v", h.poller.Stats())
	}
}

func TestPollCancelsSupersededJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.seedJob(t, "req-1", "u-1")
	// A fresh attempt for the same request takes over the mapping.
	fresh := h.seedJob(t, "req-1", "u-2")

	h.poller.pollJob(ctx, stale)

	got, _ := h.store.Get(ctx, stale.Key())
	if got.State != core.JobCanceled {
		t.Errorf("stale job = %+v", got)
	}
	freshGot, _ := h.store.Get(ctx, fresh.Key())
	if freshGot.State != core.JobRunning {
		t.Errorf("fresh job touched: %+v", freshGot)
	}
	if h.poller.Stats().Canceled != 1 {
		t.Errorf("stats = %+v", h.poller.Stats())
	}
}

func TestPollCancelsOrphanedSubmitting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := &core.ProviderJob{
		RequestID:   "req-1",
		ProviderID:  "useapi",
		ModelID:     "fast",
		State:       core.JobSubmitting,
		SubmittedAt: *h.now,
	}
	if err := h.store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Inside the grace window the worker still owns the job.
	if h.poller.due(job, h.now.Add(time.Minute)) {
		t.Error("SUBMITTING job due inside grace window")
	}

	*h.now = h.now.Add(11 * time.Minute)
	if !h.poller.due(job, *h.now) {
		t.Fatal("orphaned SUBMITTING job should be due")
	}
	h.poller.pollJob(ctx, job)
	got, _ := h.store.Get(ctx, job.Key())
	if got.State != core.JobCanceled {
		t.Errorf("job = %+v", got)
	}
}

func TestPollErrorLeavesJobIntact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")
	h.mock.PollErr = &provider.ClassifiedError{
		Class:  provider.ErrClassOutage,
		Status: 522,
		Err:    errors.New("origin down"),
	}

	h.poller.pollJob(ctx, job)

	got, _ := h.store.Get(ctx, job.Key())
	if got.State != core.JobRunning {
		t.Errorf("state = %s, want RUNNING preserved", got.State)
	}
	// An outage signature on poll marks the provider unhealthy.
	if state := h.router.HealthSnapshot()["useapi"].State; state != "unhealthy" {
		t.Errorf("provider health = %s, want unhealthy", state)
	}
}

func TestIntervalScalesWithAge(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		age  time.Duration
		want time.Duration
	}{
		{30 * time.Second, 10 * time.Second},
		{90 * time.Second, 20 * time.Second},
		{150 * time.Second, 40 * time.Second},
		{time.Hour, 120 * time.Second},
	}
	for _, tc := range cases {
		if got := h.poller.interval(tc.age, 0); got != tc.want {
			t.Errorf("interval(%v) = %v, want %v", tc.age, got, tc.want)
		}
	}
}

func TestIntervalBacksOffAfterPollErrors(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{10, 120 * time.Second},
	}
	for _, tc := range cases {
		if got := h.poller.interval(30*time.Second, tc.failures); got != tc.want {
			t.Errorf("interval(30s, %d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestPollErrorsStretchNextPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")
	h.mock.PollErr = &provider.ClassifiedError{
		Class:  provider.ErrClassTransient,
		Status: 503,
		Err:    errors.New("try later"),
	}

	h.poller.pollJob(ctx, job)
	got, _ := h.store.Get(ctx, job.Key())
	if got.PollFailures != 1 {
		t.Fatalf("poll failures = %d, want 1", got.PollFailures)
	}
	h.poller.pollJob(ctx, got)
	got, _ = h.store.Get(ctx, job.Key())
	if got.PollFailures != 2 {
		t.Fatalf("poll failures = %d, want 2", got.PollFailures)
	}

	// Two consecutive errors quadruple the spacing: not due at 11s.
	if h.poller.due(got, h.now.Add(11*time.Second)) {
		t.Error("job due before backed-off interval elapsed")
	}

	// A clean poll resets the backoff.
	h.mock.PollErr = nil
	h.mock.PollScript = []provider.PollResult{{State: core.JobRunning}}
	h.poller.pollJob(ctx, got)
	got, _ = h.store.Get(ctx, job.Key())
	if got.PollFailures != 0 {
		t.Errorf("poll failures = %d, want 0 after success", got.PollFailures)
	}
}

// scriptedUploader counts calls and fails while err is set.
type scriptedUploader struct {
	err   error
	calls int
}

func (u *scriptedUploader) Upload(context.Context, string, string, map[string]string) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "receipt-1", nil
}

func TestTickRetriesPendingUploads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up := &scriptedUploader{}
	h.poller.uploader = up

	job := h.seedJob(t, "req-1", "u-1")
	// The state a failed upload leaves behind: terminal success with
	// the artifact still sitting at the provider.
	if _, err := h.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobSucceeded
		j.ArtifactURI = "https://cdn.example/vid.mp4"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	h.poller.Tick(ctx)

	got, _ := h.store.Get(ctx, job.Key())
	if !got.Uploaded {
		t.Fatal("upload not retried for succeeded job")
	}
	if up.calls != 1 {
		t.Errorf("upload calls = %d, want 1", up.calls)
	}

	// Once uploaded the job drops off the retry pass.
	h.poller.Tick(ctx)
	if up.calls != 1 {
		t.Errorf("upload calls after second tick = %d, want 1", up.calls)
	}
}

func TestCompletionKeepsProviderHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seedJob(t, "req-1", "u-1")
	// The worker failed over from alpha before this job stuck.
	h.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      "req-1",
		Tier:           core.TierStandard,
		State:          core.RecordPending,
		Attempts:       2,
		ProvidersTried: []string{"alpha", "useapi"},
		UpdatedAt:      *h.now,
	})
	h.mock.PollScript = []provider.PollResult{
		{State: core.JobSucceeded, ArtifactURI: "mock://done"},
	}

	h.poller.pollJob(ctx, job)

	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "useapi"}
	if !reflect.DeepEqual(rec.ProvidersTried, want) {
		t.Errorf("providers tried = %v, want %v", rec.ProvidersTried, want)
	}
}

func TestTickPollsDueJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedJob(t, "req-1", "u-1")
	h.seedJob(t, "req-2", "u-2")
	h.mock.PollScript = []provider.PollResult{
		{State: core.JobSucceeded, ArtifactURI: "mock://done"},
	}

	// Both jobs are past the initial interval.
	*h.now = h.now.Add(30 * time.Second)
	h.poller.Tick(ctx)

	if got := h.poller.Stats().Completed; got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	live, _ := h.store.ListNonTerminal(ctx)
	if len(live) != 0 {
		t.Errorf("live jobs remain: %d", len(live))
	}
}
