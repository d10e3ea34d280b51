package worker

import (
	"context"
	"errors"
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

// harness wires a processor over real collaborators and mock providers.
type harness struct {
	processor  *Processor
	store      *jobstore.MemoryStore
	accountant *budget.Accountant
	alpha      *mock.Provider
	beta       *mock.Provider
}

func workerDescriptors(alphaCap, betaCap int) []core.ProviderDescriptor {
	return []core.ProviderDescriptor{
		{
			ID:            "alpha",
			SupportsTiers: []core.Tier{core.TierVolume, core.TierStandard},
			Models: []core.ModelSpec{
				{ID: "alpha-fast", CreditCost: 1, Tiers: []core.Tier{core.TierVolume, core.TierStandard}},
			},
			RateLimit:      core.RateLimitSpec{RequestsPerSecond: 100, Burst: 10, MaxConcurrent: 4},
			DailyCreditCap: alphaCap,
		},
		{
			ID:            "beta",
			SupportsTiers: []core.Tier{core.TierVolume, core.TierStandard},
			Models: []core.ModelSpec{
				{ID: "beta-fast", CreditCost: 2, Tiers: []core.Tier{core.TierVolume, core.TierStandard}},
			},
			RateLimit:      core.RateLimitSpec{RequestsPerSecond: 100, Burst: 10, MaxConcurrent: 4},
			DailyCreditCap: betaCap,
		},
	}
}

func newHarness(t *testing.T, alphaCap, betaCap, maxAttempts int) *harness {
	t.Helper()
	descriptors := workerDescriptors(alphaCap, betaCap)
	accountant := budget.NewAccountant(descriptors, &budget.AccountantConfig{
		TierTargets: map[core.Tier]int{core.TierVolume: 15, core.TierStandard: 6},
	})
	limiter := ratelimit.NewLimiter(descriptors, nil)
	rt := router.New(descriptors, &router.RouterConfig{
		Capacity: accountant,
		Latency:  limiter,
	})
	store := jobstore.NewMemoryStore()
	alpha := mock.New()
	beta := mock.New()

	return &harness{
		processor: NewProcessor(ProcessorConfig{
			Router:     rt,
			Limiter:    limiter,
			Accountant: accountant,
			Store:      store,
			Providers: map[string]provider.VideoProvider{
				"alpha": alpha,
				"beta":  beta,
			},
			MaxAttempts: maxAttempts,
		}),
		store:      store,
		accountant: accountant,
		alpha:      alpha,
		beta:       beta,
	}
}

func workerRequest(id string) *core.GenerationRequest {
	return &core.GenerationRequest{
		RequestID:       id,
		Tier:            core.TierVolume,
		Prompt:          "drone shot over mountains",
		DurationSeconds: 15,
		AspectRatio:     "16:9",
		CreatedAt:       time.Now().UTC(),
	}
}

func TestProcessSynchronousSuccess(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	h.alpha.SubmitSync = true
	ctx := context.Background()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionCompleted {
		t.Fatalf("disposition = %s", out.Disposition)
	}

	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordCompleted {
		t.Errorf("record = %+v, err %v", rec, err)
	}
	job, err := h.store.Get(ctx, out.JobKey)
	if err != nil || job.State != core.JobSucceeded || job.ArtifactURI == "" {
		t.Errorf("job = %+v, err %v", job, err)
	}

	// The reservation was committed, not merely released.
	if got := h.accountant.CreditsRemaining("alpha"); got != 99 {
		t.Errorf("alpha remaining = %d, want 99", got)
	}
	if err := h.accountant.CheckInvariant(); err != nil {
		t.Errorf("invariant: %v", err)
	}
}

func TestProcessFailsOverToSecondProvider(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	h.alpha.SubmitErr = &provider.ClassifiedError{
		Class:  provider.ErrClassTransient,
		Status: 500,
		Err:    errors.New("upstream 500"),
	}
	h.beta.SubmitSync = true
	ctx := context.Background()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionCompleted {
		t.Fatalf("disposition = %s, kind %s", out.Disposition, out.FailureKind)
	}
	if h.alpha.Submits() != 1 || h.beta.Submits() != 1 {
		t.Errorf("submits alpha=%d beta=%d", h.alpha.Submits(), h.beta.Submits())
	}

	// Alpha's reservation was released on failure.
	if got := h.accountant.CreditsRemaining("alpha"); got != 100 {
		t.Errorf("alpha remaining = %d, want 100", got)
	}
	if got := h.accountant.CreditsRemaining("beta"); got != 98 {
		t.Errorf("beta remaining = %d, want 98", got)
	}
}

func TestProcessBudgetExhaustedIsTerminal(t *testing.T) {
	// Drain both providers' daily caps with open reservations so every
	// tier the request could reach is budget-blocked.
	h := newHarness(t, 1, 2, 3)
	ctx := context.Background()
	if _, err := h.accountant.Reserve("alpha", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.accountant.Reserve("beta", 2); err != nil {
		t.Fatal(err)
	}

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionFailed || out.FailureKind != core.FailureBudgetExhausted {
		t.Fatalf("outcome = %+v", out)
	}
	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordFailed || rec.FinalErrorKind != core.FailureBudgetExhausted {
		t.Errorf("record = %+v, err %v", rec, err)
	}
	if h.alpha.Submits() != 0 {
		t.Errorf("submission happened despite exhausted budget")
	}
}

func TestProcessAsyncAccepted(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	ctx := context.Background()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionAccepted {
		t.Fatalf("disposition = %s", out.Disposition)
	}

	job, err := h.store.ActiveForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ActiveForRequest: %v", err)
	}
	if job.State != core.JobRunning || job.ProviderJobID == "" {
		t.Errorf("job = %+v", job)
	}
	if job.ReservationID == "" {
		t.Error("async job must carry its budget reservation")
	}

	// The reservation stays open until the poller settles it.
	if got := h.accountant.CreditsRemaining("alpha"); got != 99 {
		t.Errorf("alpha remaining = %d, want 99", got)
	}
}

func TestProcessDuplicateDelivery(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	ctx := context.Background()

	if _, err := h.processor.Process(ctx, workerRequest("req-1")); err != nil {
		t.Fatal(err)
	}
	submits := h.alpha.Submits() + h.beta.Submits()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionDuplicate {
		t.Fatalf("disposition = %s", out.Disposition)
	}
	if got := h.alpha.Submits() + h.beta.Submits(); got != submits {
		t.Errorf("redelivery submitted again: %d -> %d", submits, got)
	}
}

func TestProcessCompletedRecordShortCircuits(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	h.alpha.SubmitSync = true
	ctx := context.Background()

	if _, err := h.processor.Process(ctx, workerRequest("req-1")); err != nil {
		t.Fatal(err)
	}
	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionDuplicate {
		t.Errorf("disposition = %s", out.Disposition)
	}
}

func TestProcessRetryWhenAllProvidersDown(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	down := &provider.ClassifiedError{
		Class:  provider.ErrClassOutage,
		Status: 522,
		Err:    errors.New("origin unreachable"),
	}
	h.alpha.SubmitErr = down
	h.beta.SubmitErr = down
	ctx := context.Background()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Both providers are excluded after their outage attempt; what is
	// left is a temporary condition, so the queue should redeliver.
	if out.Disposition != DispositionRetry {
		t.Fatalf("disposition = %s, kind %s", out.Disposition, out.FailureKind)
	}
	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordPending {
		t.Errorf("record = %+v, err %v", rec, err)
	}
	// Reservations from the failed attempts were all released.
	if err := h.accountant.CheckInvariant(); err != nil {
		t.Errorf("invariant: %v", err)
	}
	if got := h.accountant.CreditsRemaining("alpha"); got != 100 {
		t.Errorf("alpha remaining = %d, want 100", got)
	}
}

func TestProcessExhaustsAttemptsOnPermanentErrors(t *testing.T) {
	h := newHarness(t, 100, 100, 2)
	rejected := &provider.ClassifiedError{
		Class:  provider.ErrClassPermanent,
		Status: 422,
		Err:    errors.New("prompt rejected"),
	}
	h.alpha.SubmitErr = rejected
	h.beta.SubmitErr = rejected
	ctx := context.Background()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionFailed || out.FailureKind != core.FailureClientError {
		t.Fatalf("outcome = %+v", out)
	}
	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordFailed {
		t.Fatalf("record = %+v, err %v", rec, err)
	}
	if len(rec.ProvidersTried) != 2 {
		t.Errorf("providers tried = %v", rec.ProvidersTried)
	}
}

func TestProcessSubmitsAfterCanceledLeftover(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	ctx := context.Background()

	// A prior delivery died mid-submit and the poller canceled its job.
	// The terminal leftover keeps its key but must not block a fresh
	// attempt against the same provider.
	stale := &core.ProviderJob{
		RequestID:   "req-1",
		ProviderID:  "alpha",
		ModelID:     "alpha-fast",
		State:       core.JobSubmitting,
		Attempts:    1,
		SubmittedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Transition(ctx, stale.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobCanceled
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	h.alpha.SubmitSync = true
	h.beta.SubmitErr = &provider.ClassifiedError{
		Class:  provider.ErrClassOutage,
		Status: 522,
		Err:    errors.New("origin unreachable"),
	}

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionCompleted {
		t.Fatalf("disposition = %s, kind %s", out.Disposition, out.FailureKind)
	}
	if h.alpha.Submits() != 1 {
		t.Errorf("alpha submits = %d, want 1", h.alpha.Submits())
	}
	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordCompleted {
		t.Errorf("record = %+v, err %v", rec, err)
	}
}

func TestProcessRetriesSameProviderAfterRateLimit(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	ctx := context.Background()

	// One 429 from alpha, then it recovers. Beta stays down so success
	// can only come from retrying alpha itself.
	h.alpha.SubmitErrs = []error{&provider.ClassifiedError{
		Class:  provider.ErrClassRateLimited,
		Status: 429,
		Err:    errors.New("too many requests"),
	}}
	h.alpha.SubmitSync = true
	h.beta.SubmitErr = &provider.ClassifiedError{
		Class:  provider.ErrClassOutage,
		Status: 522,
		Err:    errors.New("origin unreachable"),
	}

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Disposition != DispositionCompleted {
		t.Fatalf("disposition = %s, kind %s", out.Disposition, out.FailureKind)
	}
	if h.alpha.Submits() != 2 {
		t.Errorf("alpha submits = %d, want a second try after the 429", h.alpha.Submits())
	}

	rec, err := h.store.GetRecord(ctx, "req-1")
	if err != nil || rec.State != core.RecordCompleted {
		t.Fatalf("record = %+v, err %v", rec, err)
	}
	seen := 0
	for _, id := range rec.ProvidersTried {
		if id == "alpha" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("providers tried = %v, want alpha listed once", rec.ProvidersTried)
	}
}

func TestProcessRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	req := workerRequest("req-1")
	req.Prompt = ""

	out, err := h.processor.Process(context.Background(), req)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !core.IsConfigurationError(err) {
		t.Errorf("unexpected error: %v", err)
	}
	if out.Disposition != DispositionFailed {
		t.Errorf("disposition = %s", out.Disposition)
	}
}

// captureUploader records upload calls.
type captureUploader struct {
	calls []string
}

func (u *captureUploader) Upload(_ context.Context, platform, artifactURI string, _ map[string]string) (string, error) {
	u.calls = append(u.calls, platform+" "+artifactURI)
	return "ext-1", nil
}

func TestProcessUploadsSynchronousArtifact(t *testing.T) {
	h := newHarness(t, 100, 100, 3)
	h.alpha.SubmitSync = true
	uploader := &captureUploader{}
	h.processor.uploader = uploader
	ctx := context.Background()

	out, err := h.processor.Process(ctx, workerRequest("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(uploader.calls) != 1 {
		t.Fatalf("upload calls = %v", uploader.calls)
	}
	job, err := h.store.Get(ctx, out.JobKey)
	if err != nil || !job.Uploaded {
		t.Errorf("job = %+v, err %v", job, err)
	}
}
