// Package poller advances asynchronous provider jobs to their terminal
// states. It owns every job after submission: status polling with
// age-scaled intervals, expiry against the provider's job lifetime,
// budget settlement, health observations, and artifact upload.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/budget"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/jobstore"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/ratelimit"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/router"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/telemetry"
)

// Config configures the poller.
type Config struct {
	// InitialInterval is the poll spacing for young jobs. Default: 10s
	InitialInterval time.Duration `json:"initial_interval"`

	// MaxInterval caps the poll spacing as jobs age. Default: 120s
	MaxInterval time.Duration `json:"max_interval"`

	// MaxConcurrentPolls bounds in-flight poll calls per tick. Default: 8
	MaxConcurrentPolls int `json:"max_concurrent_polls"`

	// TickInterval is how often the scan loop wakes. Default: 5s
	TickInterval time.Duration `json:"tick_interval"`

	// SubmittingGrace is how long a job may sit in SUBMITTING before the
	// poller treats it as orphaned by a dead worker. Default: 10m
	SubmittingGrace time.Duration `json:"submitting_grace"`

	Logger core.Logger `json:"-"`

	// Now overrides the clock in tests.
	Now func() time.Time `json:"-"`
}

// DefaultConfig returns production poll settings.
func DefaultConfig() *Config {
	return &Config{
		InitialInterval:    10 * time.Second,
		MaxInterval:        120 * time.Second,
		MaxConcurrentPolls: 8,
		TickInterval:       5 * time.Second,
		SubmittingGrace:    10 * time.Minute,
	}
}

// Stats is a point-in-time view of poller activity.
type Stats struct {
	Polls     uint64 `json:"polls"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Expired   uint64 `json:"expired"`
	Canceled  uint64 `json:"canceled"`
}

// Poller drives non-terminal jobs to completion.
type Poller struct {
	store      jobstore.Store
	providers  map[string]provider.VideoProvider
	limiter    *ratelimit.Limiter
	accountant *budget.Accountant
	router     *router.Router
	uploader   core.Uploader
	config     *Config
	logger     core.Logger
	now        func() time.Time

	polls     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
	canceled  atomic.Uint64

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a poller.
func New(store jobstore.Store, providers map[string]provider.VideoProvider, limiter *ratelimit.Limiter, accountant *budget.Accountant, rt *router.Router, uploader core.Uploader, config *Config) *Poller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = 10 * time.Second
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 120 * time.Second
	}
	if config.MaxConcurrentPolls <= 0 {
		config.MaxConcurrentPolls = 8
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.SubmittingGrace <= 0 {
		config.SubmittingGrace = 10 * time.Minute
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Poller{
		store:      store,
		providers:  providers,
		limiter:    limiter,
		accountant: accountant,
		router:     rt,
		uploader:   uploader,
		config:     config,
		logger:     core.ComponentLogger(config.Logger, "poller"),
		now:        now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the scan loop.
func (p *Poller) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("Poller started", map[string]interface{}{
		"initial_interval": p.config.InitialInterval.String(),
		"max_interval":     p.config.MaxInterval.String(),
		"max_concurrent":   p.config.MaxConcurrentPolls,
	})
}

// Stop halts the scan loop, waiting up to the context deadline.
func (p *Poller) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of poller counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Polls:     p.polls.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Expired:   p.expired.Load(),
		Canceled:  p.canceled.Load(),
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Poller loop panic", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick scans live jobs and polls those due. Exposed for tests and for
// single-shot CLI runs.
func (p *Poller) Tick(ctx context.Context) {
	jobs, err := p.store.ListNonTerminal(ctx)
	if err != nil {
		p.logger.Error("Failed to list live jobs", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	now := p.now()
	sem := make(chan struct{}, p.config.MaxConcurrentPolls)
	var wg sync.WaitGroup

	for _, job := range jobs {
		if !p.due(job, now) {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(job *core.ProviderJob) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Poll panic", map[string]interface{}{
						"job_key": job.Key(),
						"panic":   r,
						"stack":   string(debug.Stack()),
					})
				}
			}()
			p.pollJob(ctx, job)
		}(job)
	}
	wg.Wait()
	p.retryUploads(ctx)
}

// retryUploads re-attempts artifact uploads for succeeded jobs whose
// artifact is still sitting at the provider. Job success is terminal,
// so these never show up in the live-job scan above.
func (p *Poller) retryUploads(ctx context.Context) {
	jobs, err := p.store.ListUnuploaded(ctx)
	if err != nil {
		p.logger.Error("Failed to list pending uploads", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		tier, _ := p.recordContext(ctx, job.RequestID, job.ProviderID)
		p.upload(ctx, job, tier)
	}
}

// due applies the age-scaled interval with ten percent jitter so a
// fleet of pollers does not thunder against a provider in lockstep.
func (p *Poller) due(job *core.ProviderJob, now time.Time) bool {
	if job.State == core.JobSubmitting {
		// The worker still owns it, unless the worker died mid-submit.
		return now.Sub(job.SubmittedAt) > p.config.SubmittingGrace
	}
	last := job.LastPolledAt
	if last.IsZero() {
		last = job.SubmittedAt
	}
	interval := p.interval(job.Age(now), job.PollFailures)
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(interval))
	return now.Sub(last) >= interval+jitter
}

// interval doubles per elapsed minute of job age, and again per
// consecutive transient poll failure, clamped to the cap.
func (p *Poller) interval(age time.Duration, pollFailures int) time.Duration {
	interval := p.config.InitialInterval
	for elapsed := time.Minute; elapsed < age && interval < p.config.MaxInterval; elapsed += time.Minute {
		interval *= 2
	}
	for i := 0; i < pollFailures && interval < p.config.MaxInterval; i++ {
		interval *= 2
	}
	if interval > p.config.MaxInterval {
		interval = p.config.MaxInterval
	}
	return interval
}

func (p *Poller) pollJob(ctx context.Context, job *core.ProviderJob) {
	// A replacement attempt supersedes this job if the request now maps
	// to a different live job.
	if active, err := p.store.ActiveForRequest(ctx, job.RequestID); err == nil && active.Key() != job.Key() {
		p.cancelJob(ctx, job)
		return
	}

	if job.State == core.JobSubmitting {
		// Orphaned by a dead worker; nothing to poll, the provider job ID
		// was never recorded.
		p.cancelJob(ctx, job)
		return
	}

	desc, ok := p.router.Descriptor(job.ProviderID)
	if ok && desc.MaxJobLifetime > 0 && job.Age(p.now()) > desc.MaxJobLifetime {
		p.expireJob(ctx, job)
		return
	}

	adapter, ok := p.providers[job.ProviderID]
	if !ok {
		p.logger.Error("No adapter for job's provider", map[string]interface{}{
			"job_key":  job.Key(),
			"provider": job.ProviderID,
		})
		return
	}

	lease, err := p.limiter.Acquire(ctx, job.ProviderID)
	if err != nil {
		return
	}

	start := p.now()
	result, pollErr := adapter.Poll(ctx, job.ProviderJobID)
	latency := p.now().Sub(start)
	p.polls.Add(1)

	if pollErr != nil {
		class := provider.Classify(pollErr)
		p.limiter.Release(lease, ratelimit.Outcome{Class: ratelimit.OutcomeServerError, Latency: latency})
		if class == provider.ErrClassOutage {
			p.router.Observe(job.ProviderID, router.ObserveOutage)
		}
		p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
			j.PollFailures++
			j.LastPolledAt = p.now()
			return nil
		})
		p.logger.Warn("Poll failed", map[string]interface{}{
			"job_key": job.Key(),
			"class":   string(class),
			"error":   pollErr.Error(),
		})
		return
	}
	p.limiter.Release(lease, ratelimit.Outcome{Class: ratelimit.OutcomeOK, Latency: latency})

	switch result.State {
	case core.JobSucceeded:
		p.completeJob(ctx, job, result)
	case core.JobFailed:
		p.failJob(ctx, job, result.FailureKind)
	case core.JobRunning:
		p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
			j.State = core.JobRunning
			j.PollFailures = 0
			j.LastPolledAt = p.now()
			return nil
		})
	default:
		p.touch(ctx, job)
	}
}

// touch records a successful poll without changing state.
func (p *Poller) touch(ctx context.Context, job *core.ProviderJob) {
	p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.PollFailures = 0
		j.LastPolledAt = p.now()
		return nil
	})
}

func (p *Poller) completeJob(ctx context.Context, job *core.ProviderJob, result provider.PollResult) {
	updated, err := p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobSucceeded
		j.ArtifactURI = result.ArtifactURI
		if result.CreditsCharged > 0 {
			j.CreditsCharged = result.CreditsCharged
		}
		j.LastPolledAt = p.now()
		return nil
	})
	if err != nil {
		if !errors.Is(err, core.ErrStateRegression) {
			p.logger.Error("Failed to finalize job", map[string]interface{}{
				"job_key": job.Key(),
				"error":   err.Error(),
			})
		}
		return
	}

	if err := p.accountant.Commit(job.ReservationID); err != nil &&
		!errors.Is(err, core.ErrReservationNotFound) && !errors.Is(err, core.ErrReservationSettled) {
		p.logger.Error("Failed to commit reservation", map[string]interface{}{
			"job_key":     job.Key(),
			"reservation": job.ReservationID,
			"error":       err.Error(),
		})
	}
	p.router.Observe(job.ProviderID, router.ObserveSuccess)

	telemetry.JobCompleted(ctx, job.ProviderID)
	telemetry.CommittedCredits(ctx, job.ProviderID, int64(updated.CreditsCharged))

	tier, tried := p.recordContext(ctx, job.RequestID, job.ProviderID)
	p.accountant.RecordOutcome(tier, true)
	p.upload(ctx, updated, tier)

	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      job.RequestID,
		Tier:           tier,
		State:          core.RecordCompleted,
		Attempts:       job.Attempts,
		ProvidersTried: tried,
		UpdatedAt:      p.now(),
	})
	p.completed.Add(1)
	p.logger.Info("Job completed", map[string]interface{}{
		"job_key":     updated.Key(),
		"request_id":  job.RequestID,
		"artifact":    updated.ArtifactURI,
		"credits":     updated.CreditsCharged,
		"job_age_sec": int(job.Age(p.now()).Seconds()),
	})
}

func (p *Poller) failJob(ctx context.Context, job *core.ProviderJob, kind core.FailureKind) {
	if kind == core.FailureNone {
		kind = core.FailureTransientNetwork
	}
	_, err := p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobFailed
		j.FailureKind = kind
		j.LastPolledAt = p.now()
		return nil
	})
	if err != nil {
		return
	}

	telemetry.JobFailed(ctx, job.ProviderID, string(kind))
	p.releaseReservation(job)
	if kind != core.FailureClientError {
		p.router.Observe(job.ProviderID, router.ObserveFailure)
	}

	tier, tried := p.recordContext(ctx, job.RequestID, job.ProviderID)
	p.accountant.RecordOutcome(tier, false)
	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      job.RequestID,
		Tier:           tier,
		State:          core.RecordFailed,
		Attempts:       job.Attempts,
		FinalErrorKind: kind,
		ProvidersTried: tried,
		UpdatedAt:      p.now(),
	})
	p.failed.Add(1)
	p.logger.Warn("Job failed", map[string]interface{}{
		"job_key":    job.Key(),
		"request_id": job.RequestID,
		"kind":       string(kind),
	})
}

func (p *Poller) expireJob(ctx context.Context, job *core.ProviderJob) {
	_, err := p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobExpired
		j.FailureKind = core.FailureDeadlineExceeded
		return nil
	})
	if err != nil {
		return
	}
	telemetry.JobFailed(ctx, job.ProviderID, string(core.FailureDeadlineExceeded))
	p.releaseReservation(job)
	p.router.Observe(job.ProviderID, router.ObserveFailure)

	tier, tried := p.recordContext(ctx, job.RequestID, job.ProviderID)
	p.accountant.RecordOutcome(tier, false)
	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      job.RequestID,
		Tier:           tier,
		State:          core.RecordFailed,
		Attempts:       job.Attempts,
		FinalErrorKind: core.FailureDeadlineExceeded,
		ProvidersTried: tried,
		UpdatedAt:      p.now(),
	})
	p.expired.Add(1)
	p.logger.Warn("Job expired", map[string]interface{}{
		"job_key":     job.Key(),
		"request_id":  job.RequestID,
		"job_age_sec": int(job.Age(p.now()).Seconds()),
	})
}

func (p *Poller) cancelJob(ctx context.Context, job *core.ProviderJob) {
	_, err := p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
		j.State = core.JobCanceled
		return nil
	})
	if err != nil {
		return
	}
	p.releaseReservation(job)
	p.canceled.Add(1)
	p.logger.Info("Job canceled", map[string]interface{}{
		"job_key":    job.Key(),
		"request_id": job.RequestID,
	})
}

func (p *Poller) releaseReservation(job *core.ProviderJob) {
	if job.ReservationID == "" {
		return
	}
	if err := p.accountant.Release(job.ReservationID); err != nil &&
		!errors.Is(err, core.ErrReservationNotFound) && !errors.Is(err, core.ErrReservationSettled) {
		p.logger.Error("Failed to release reservation", map[string]interface{}{
			"job_key":     job.Key(),
			"reservation": job.ReservationID,
			"error":       err.Error(),
		})
	}
}

// recordContext pulls the request record's tier and provider history so
// the terminal record keeps every provider the worker tried, not just
// the one that finished the job.
func (p *Poller) recordContext(ctx context.Context, requestID, providerID string) (core.Tier, []string) {
	tier := core.TierStandard
	var tried []string
	if rec, err := p.store.GetRecord(ctx, requestID); err == nil {
		if rec.Tier.Valid() {
			tier = rec.Tier
		}
		tried = rec.ProvidersTried
	}
	for _, t := range tried {
		if t == providerID {
			return tier, tried
		}
	}
	return tier, append(tried, providerID)
}

// upload pushes the artifact to the distribution collaborator with a
// few immediate retries. Upload state rides on the job so a failure
// here never rewinds the terminal state.
func (p *Poller) upload(ctx context.Context, job *core.ProviderJob, tier core.Tier) {
	if p.uploader == nil || job.Uploaded {
		return
	}
	var lastErr error
	for i := 0; i < 3; i++ {
		if _, lastErr = p.uploader.Upload(ctx, "default", job.ArtifactURI, map[string]string{
			"request_id": job.RequestID,
			"tier":       string(tier),
		}); lastErr == nil {
			p.store.Transition(ctx, job.Key(), func(j *core.ProviderJob) error {
				j.Uploaded = true
				return nil
			})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	p.logger.Warn("Artifact upload failed", map[string]interface{}{
		"job_key": job.Key(),
		"error":   lastErr.Error(),
	})
}
