// Package worker receives generation tasks from the queue dispatcher
// and drives each one through routing, budget reservation, rate
// limiting, and provider submission.
//
// Delivery is at-least-once, so the processor is idempotent: a task
// whose request already has a live provider job or a completed record
// is acknowledged without a second submission.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/budget"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/jobstore"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/ratelimit"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/router"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/telemetry"
)

// Disposition is the processor's verdict on one delivered task.
type Disposition string

const (
	// DispositionCompleted means the provider returned the artifact
	// synchronously and the request is done.
	DispositionCompleted Disposition = "COMPLETED"

	// DispositionAccepted means an async job was submitted; the poller
	// owns it from here.
	DispositionAccepted Disposition = "ACCEPTED"

	// DispositionDuplicate means the request already has a live job or a
	// completed record. The redelivery is acknowledged without work.
	DispositionDuplicate Disposition = "DUPLICATE"

	// DispositionFailed means the request reached a terminal failure and
	// must not be redelivered.
	DispositionFailed Disposition = "FAILED"

	// DispositionRetry means nothing was submitted but the condition is
	// temporary. The queue should redeliver after backoff.
	DispositionRetry Disposition = "RETRY"
)

// Outcome is the processor's result for one task delivery.
type Outcome struct {
	Disposition Disposition
	JobKey      string
	FailureKind core.FailureKind
}

// Processor executes the submission flow for one task at a time.
type Processor struct {
	router      *router.Router
	limiter     *ratelimit.Limiter
	accountant  *budget.Accountant
	store       jobstore.Store
	providers   map[string]provider.VideoProvider
	uploader    core.Uploader
	maxAttempts int
	logger      core.Logger
	now         func() time.Time
}

// ProcessorConfig wires the processor's collaborators.
type ProcessorConfig struct {
	Router     *router.Router
	Limiter    *ratelimit.Limiter
	Accountant *budget.Accountant
	Store      jobstore.Store

	// Providers maps provider ID to its adapter.
	Providers map[string]provider.VideoProvider

	// Uploader is optional. When nil, artifacts are left at their
	// provider URI and distribution is someone else's job.
	Uploader core.Uploader

	// MaxAttempts bounds providers tried per delivery. Default: 3
	MaxAttempts int

	Logger core.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewProcessor creates a task processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		router:      cfg.Router,
		limiter:     cfg.Limiter,
		accountant:  cfg.Accountant,
		store:       cfg.Store,
		providers:   cfg.Providers,
		uploader:    cfg.Uploader,
		maxAttempts: maxAttempts,
		logger:      core.ComponentLogger(cfg.Logger, "worker"),
		now:         now,
	}
}

// Process runs one delivered task to a disposition. The context carries
// the per-request deadline; hitting it fails the request with
// DEADLINE_EXCEEDED rather than leaving it in limbo.
func (p *Processor) Process(ctx context.Context, req *core.GenerationRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{Disposition: DispositionFailed, FailureKind: core.FailureInternal}, err
	}

	// Idempotency: a completed record or a live job means this is a
	// redelivery of work already in motion.
	if rec, err := p.store.GetRecord(ctx, req.RequestID); err == nil && rec.State == core.RecordCompleted {
		return Outcome{Disposition: DispositionDuplicate}, nil
	}
	if job, err := p.store.ActiveForRequest(ctx, req.RequestID); err == nil {
		p.logger.Info("Duplicate delivery, job already in flight", map[string]interface{}{
			"request_id": req.RequestID,
			"job_key":    job.Key(),
		})
		return Outcome{Disposition: DispositionDuplicate, JobKey: job.Key()}, nil
	}

	p.savePendingRecord(ctx, req, 0, nil)

	excluded := make(map[string]bool)
	rateLimitedRetries := make(map[string]int)
	var providersTried []string
	lastKind := core.FailureNoViableProvider

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			p.saveFailedRecord(ctx, req, attempt-1, core.FailureDeadlineExceeded, providersTried)
			return Outcome{Disposition: DispositionFailed, FailureKind: core.FailureDeadlineExceeded}, ctx.Err()
		}

		decision, err := p.router.Select(req, excluded)
		if err != nil {
			if errors.Is(err, core.ErrBudgetExhausted) {
				p.saveFailedRecord(ctx, req, attempt-1, core.FailureBudgetExhausted, providersTried)
				return Outcome{Disposition: DispositionFailed, FailureKind: core.FailureBudgetExhausted}, nil
			}
			// No viable provider right now. Providers recover, so let the
			// queue redeliver instead of burning the request.
			p.savePendingRecord(ctx, req, attempt-1, providersTried)
			return Outcome{Disposition: DispositionRetry, FailureKind: core.FailureNoViableProvider}, nil
		}

		providersTried = appendProvider(providersTried, decision.ProviderID)
		kind, outcome := p.attempt(ctx, req, decision, attempt, providersTried)

		switch {
		case outcome.Disposition == DispositionCompleted || outcome.Disposition == DispositionAccepted:
			return outcome, nil
		case kind == core.FailureDeadlineExceeded:
			p.saveFailedRecord(ctx, req, attempt, kind, providersTried)
			return Outcome{Disposition: DispositionFailed, FailureKind: kind}, nil
		}

		lastKind = kind
		if kind == core.FailureRateLimited && rateLimitedRetries[decision.ProviderID] < 1 {
			// The limiter has already backed this provider off; the next
			// Acquire waits it out. One more shot before failing over.
			rateLimitedRetries[decision.ProviderID]++
			continue
		}
		excluded[decision.ProviderID] = true
	}

	p.saveFailedRecord(ctx, req, p.maxAttempts, lastKind, providersTried)
	p.accountant.RecordOutcome(req.Tier, false)
	p.logger.Warn("Request failed after exhausting providers", map[string]interface{}{
		"request_id": req.RequestID,
		"attempts":   p.maxAttempts,
		"kind":       string(lastKind),
		"tried":      providersTried,
	})
	return Outcome{Disposition: DispositionFailed, FailureKind: lastKind}, nil
}

// attempt runs one provider submission. It owns the budget reservation
// and rate-limit lease for the duration of the call.
func (p *Processor) attempt(ctx context.Context, req *core.GenerationRequest, decision router.Decision, attemptNo int, tried []string) (core.FailureKind, Outcome) {
	adapter, ok := p.providers[decision.ProviderID]
	if !ok {
		p.logger.Error("No adapter for selected provider", map[string]interface{}{
			"provider": decision.ProviderID,
		})
		return core.FailureInternal, Outcome{}
	}

	reservationID, err := p.accountant.Reserve(decision.ProviderID, decision.CreditCost)
	if err != nil {
		return core.FailureBudgetExhausted, Outcome{}
	}

	job := &core.ProviderJob{
		RequestID:     req.RequestID,
		ProviderID:    decision.ProviderID,
		ModelID:       decision.ModelID,
		State:         core.JobSubmitting,
		Attempts:      attemptNo,
		AttemptID:     uuid.NewString(),
		ReservationID: reservationID,
		SubmittedAt:   p.now(),
	}
	if err := p.store.Create(ctx, job); err != nil {
		p.accountant.Release(reservationID)
		p.logger.Error("Failed to persist job", map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return core.FailureInternal, Outcome{}
	}
	jobKey := job.Key()

	lease, err := p.limiter.Acquire(ctx, decision.ProviderID)
	if err != nil {
		p.accountant.Release(reservationID)
		p.failJob(ctx, jobKey, core.FailureRateLimited)
		if ctx.Err() != nil {
			return core.FailureDeadlineExceeded, Outcome{}
		}
		return core.FailureRateLimited, Outcome{}
	}

	start := p.now()
	result, submitErr := adapter.Submit(ctx, provider.SubmitRequest{
		Model:           decision.ModelID,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
	})
	latency := p.now().Sub(start)

	if submitErr != nil {
		class := provider.Classify(submitErr)
		kind := class.FailureKind()

		p.limiter.Release(lease, ratelimit.Outcome{Class: outcomeClass(class), Latency: latency})
		switch class {
		case provider.ErrClassOutage:
			p.router.Observe(decision.ProviderID, router.ObserveOutage)
		case provider.ErrClassPermanent:
			// A rejected payload says nothing about provider health.
		default:
			p.router.Observe(decision.ProviderID, router.ObserveFailure)
		}
		p.accountant.Release(reservationID)
		p.failJob(ctx, jobKey, kind)

		p.logger.Warn("Submission failed", map[string]interface{}{
			"request_id": req.RequestID,
			"provider":   decision.ProviderID,
			"class":      string(class),
			"error":      submitErr.Error(),
		})
		if ctx.Err() != nil {
			return core.FailureDeadlineExceeded, Outcome{}
		}
		return kind, Outcome{}
	}

	p.limiter.Release(lease, ratelimit.Outcome{Class: ratelimit.OutcomeOK, Latency: latency})
	p.router.Observe(decision.ProviderID, router.ObserveSuccess)
	telemetry.RequestSubmitted(ctx, decision.ProviderID, string(decision.EffectiveTier))
	if decision.Uplifted {
		telemetry.TierUplift(ctx, string(req.Tier), string(decision.EffectiveTier))
	}

	if result.State == core.JobSucceeded {
		updated, err := p.store.Transition(ctx, jobKey, func(j *core.ProviderJob) error {
			j.ProviderJobID = result.JobID
			j.State = core.JobSucceeded
			j.ArtifactURI = result.ArtifactURI
			j.CreditsCharged = result.CreditsCharged
			return nil
		})
		if err != nil {
			p.logger.Error("Failed to finalize synchronous job", map[string]interface{}{
				"job_key": jobKey,
				"error":   err.Error(),
			})
			return core.FailureInternal, Outcome{}
		}
		p.accountant.Commit(reservationID)
		p.accountant.RecordOutcome(req.Tier, true)
		telemetry.JobCompleted(ctx, decision.ProviderID)
		telemetry.CommittedCredits(ctx, decision.ProviderID, int64(decision.CreditCost))
		p.upload(ctx, req, updated)
		p.saveCompletedRecord(ctx, req, attemptNo, tried)

		p.logger.Info("Request completed synchronously", map[string]interface{}{
			"request_id": req.RequestID,
			"provider":   decision.ProviderID,
			"job_key":    updated.Key(),
		})
		return core.FailureNone, Outcome{Disposition: DispositionCompleted, JobKey: updated.Key()}
	}

	nextState := result.State
	if nextState != core.JobRunning {
		nextState = core.JobPending
	}
	updated, err := p.store.Transition(ctx, jobKey, func(j *core.ProviderJob) error {
		j.ProviderJobID = result.JobID
		j.State = nextState
		return nil
	})
	if err != nil {
		p.logger.Error("Failed to record submitted job", map[string]interface{}{
			"job_key": jobKey,
			"error":   err.Error(),
		})
		return core.FailureInternal, Outcome{}
	}

	p.savePendingRecord(ctx, req, attemptNo, tried)
	p.logger.Info("Job submitted", map[string]interface{}{
		"request_id":      req.RequestID,
		"provider":        decision.ProviderID,
		"provider_job_id": result.JobID,
		"state":           string(nextState),
		"uplifted":        decision.Uplifted,
	})
	return core.FailureNone, Outcome{Disposition: DispositionAccepted, JobKey: updated.Key()}
}

// upload hands a finished artifact to the upload collaborator. Upload
// failure never fails the request; the poller retries it.
func (p *Processor) upload(ctx context.Context, req *core.GenerationRequest, job *core.ProviderJob) {
	if p.uploader == nil {
		return
	}
	platform := req.PlatformHint
	if platform == "" {
		platform = "default"
	}
	if _, err := p.uploader.Upload(ctx, platform, job.ArtifactURI, map[string]string{
		"request_id": req.RequestID,
		"tier":       string(req.Tier),
	}); err != nil {
		p.logger.Warn("Artifact upload failed, will retry on poll", map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return
	}
	p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.Uploaded = true
		return nil
	})
}

func (p *Processor) failJob(ctx context.Context, jobKey string, kind core.FailureKind) {
	job, err := p.store.Transition(ctx, jobKey, func(j *core.ProviderJob) error {
		j.State = core.JobFailed
		j.FailureKind = kind
		return nil
	})
	if err == nil {
		telemetry.JobFailed(ctx, job.ProviderID, string(kind))
	}
}

func appendProvider(tried []string, id string) []string {
	for _, t := range tried {
		if t == id {
			return tried
		}
	}
	return append(tried, id)
}

func outcomeClass(class provider.ErrorClass) ratelimit.OutcomeClass {
	switch class {
	case provider.ErrClassRateLimited:
		return ratelimit.OutcomeServerError
	case provider.ErrClassOutage, provider.ErrClassTransient:
		return ratelimit.OutcomeServerError
	case provider.ErrClassPermanent:
		return ratelimit.OutcomeClientError
	default:
		return ratelimit.OutcomeServerError
	}
}

func (p *Processor) savePendingRecord(ctx context.Context, req *core.GenerationRequest, attempts int, tried []string) {
	if rec, err := p.store.GetRecord(ctx, req.RequestID); err == nil && rec.State != core.RecordPending {
		return
	}
	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      req.RequestID,
		Tier:           req.Tier,
		State:          core.RecordPending,
		Attempts:       attempts,
		ProvidersTried: tried,
		UpdatedAt:      p.now(),
	})
}

func (p *Processor) saveCompletedRecord(ctx context.Context, req *core.GenerationRequest, attempts int, tried []string) {
	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      req.RequestID,
		Tier:           req.Tier,
		State:          core.RecordCompleted,
		Attempts:       attempts,
		ProvidersTried: tried,
		UpdatedAt:      p.now(),
	})
}

func (p *Processor) saveFailedRecord(ctx context.Context, req *core.GenerationRequest, attempts int, kind core.FailureKind, tried []string) {
	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      req.RequestID,
		Tier:           req.Tier,
		State:          core.RecordFailed,
		Attempts:       attempts,
		FinalErrorKind: kind,
		ProvidersTried: tried,
		UpdatedAt:      p.now(),
	})
}
