package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// OutcomeClass classifies the result reported with a lease release.
type OutcomeClass int

const (
	OutcomeOK OutcomeClass = iota
	OutcomeServerError
	OutcomeClientError
	OutcomeTimeout
)

// Outcome is what the caller observed while holding a lease.
type Outcome struct {
	Class   OutcomeClass
	Latency time.Duration
}

// Lease is a held token + concurrency slot. Release exactly once.
type Lease struct {
	ID         string
	ProviderID string
	AcquiredAt time.Time
	released   atomic.Bool
}

// Stats is a point-in-time view of one provider's limiter.
type Stats struct {
	TokensAvailable   float64 `json:"tokens_available"`
	InFlight          int     `json:"in_flight"`
	EffectiveQPS      float64 `json:"effective_qps"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	RollingErrorRate  float64 `json:"rolling_error_rate"`
}

// LimiterConfig tunes the adaptive layer.
type LimiterConfig struct {
	// BackoffErrorThreshold is the rolling error rate above which a
	// SERVER_ERROR/TIMEOUT outcome doubles the backoff multiplier.
	// Default: 0.1
	BackoffErrorThreshold float64

	// MaxBackoffMultiplier caps the multiplier. Default: 8.
	MaxBackoffMultiplier float64

	// RecoveryRun is the run of OK outcomes that halves the multiplier.
	// Default: 5
	RecoveryRun int

	// WindowSize is the outcome window duration. Default: 60s.
	WindowSize time.Duration

	// Logger is an optional logger for limiter events.
	Logger core.Logger
}

// DefaultLimiterConfig returns default configuration.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		BackoffErrorThreshold: 0.1,
		MaxBackoffMultiplier:  8,
		RecoveryRun:           5,
		WindowSize:            60 * time.Second,
	}
}

// providerLimiter holds the per-provider bucket, semaphore, and window.
// Waiters queue FIFO on the semaphore channel and then on the token
// bucket; there is no cross-provider coupling.
type providerLimiter struct {
	bucket   *rate.Limiter
	slots    chan struct{}
	window   *Window
	baseRate float64

	mu       sync.Mutex
	backoff  float64
	okRun    int
	inFlight atomic.Int32
}

// Limiter enforces per-provider rate, burst, and concurrency caps.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
	config    LimiterConfig
	logger    core.Logger
}

// NewLimiter creates a limiter for the given provider descriptors.
func NewLimiter(descriptors []core.ProviderDescriptor, config *LimiterConfig) *Limiter {
	if config == nil {
		defaultConfig := DefaultLimiterConfig()
		config = &defaultConfig
	}
	if config.BackoffErrorThreshold <= 0 {
		config.BackoffErrorThreshold = 0.1
	}
	if config.MaxBackoffMultiplier <= 1 {
		config.MaxBackoffMultiplier = 8
	}
	if config.RecoveryRun <= 0 {
		config.RecoveryRun = 5
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 60 * time.Second
	}

	l := &Limiter{
		providers: make(map[string]*providerLimiter, len(descriptors)),
		config:    *config,
		logger:    core.ComponentLogger(config.Logger, "ratelimit"),
	}
	for i := range descriptors {
		d := &descriptors[i]
		l.providers[d.ID] = newProviderLimiter(d.RateLimit, config.WindowSize)
	}
	return l
}

func newProviderLimiter(spec core.RateLimitSpec, windowSize time.Duration) *providerLimiter {
	burst := spec.Burst
	if burst <= 0 {
		burst = 1
	}
	concurrency := spec.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 1
	}
	return &providerLimiter{
		bucket:   rate.NewLimiter(rate.Limit(spec.RequestsPerSecond), burst),
		slots:    make(chan struct{}, concurrency),
		window:   NewWindow(windowSize, 12),
		baseRate: spec.RequestsPerSecond,
		backoff:  1,
	}
}

func (l *Limiter) provider(providerID string) (*providerLimiter, error) {
	l.mu.RLock()
	p, ok := l.providers[providerID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownProvider, providerID)
	}
	return p, nil
}

// Acquire blocks until a concurrency slot and a token are available for
// the provider, or the context deadline elapses. On deadline it returns
// ErrRateLimitUnavailable; the limiter itself never fails permanently.
func (l *Limiter) Acquire(ctx context.Context, providerID string) (*Lease, error) {
	p, err := l.provider(providerID)
	if err != nil {
		return nil, err
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %s concurrency slot: %v",
			core.ErrRateLimitUnavailable, providerID, ctx.Err())
	}

	if err := p.bucket.Wait(ctx); err != nil {
		<-p.slots
		return nil, fmt.Errorf("%w: waiting for %s token: %v",
			core.ErrRateLimitUnavailable, providerID, err)
	}

	p.inFlight.Add(1)
	return &Lease{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		AcquiredAt: time.Now(),
	}, nil
}

// Release returns the lease's concurrency slot and feeds the outcome
// into the adaptive layer. Must be called exactly once per Acquire.
func (l *Limiter) Release(lease *Lease, outcome Outcome) error {
	if lease == nil {
		return fmt.Errorf("lease cannot be nil")
	}
	if !lease.released.CompareAndSwap(false, true) {
		return core.ErrLeaseAlreadyReleased
	}
	p, err := l.provider(lease.ProviderID)
	if err != nil {
		return err
	}

	<-p.slots
	p.inFlight.Add(-1)

	if outcome.Latency > 0 {
		p.window.RecordLatency(outcome.Latency)
	}

	switch outcome.Class {
	case OutcomeOK:
		p.window.RecordOK()
		l.recover(lease.ProviderID, p)
	case OutcomeServerError, OutcomeTimeout:
		p.window.RecordFailure()
		l.backOff(lease.ProviderID, p)
	case OutcomeClientError:
		// The caller's request was bad; the provider is fine.
		p.window.RecordOK()
	}
	return nil
}

// backOff doubles the multiplier (capped) when the window shows distress.
func (l *Limiter) backOff(providerID string, p *providerLimiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.okRun = 0
	if p.window.ErrorRate() < l.config.BackoffErrorThreshold {
		return
	}
	if p.backoff >= l.config.MaxBackoffMultiplier {
		return
	}
	p.backoff *= 2
	if p.backoff > l.config.MaxBackoffMultiplier {
		p.backoff = l.config.MaxBackoffMultiplier
	}
	p.bucket.SetLimit(rate.Limit(p.baseRate / p.backoff))
	l.logger.Warn("Provider backoff increased", map[string]interface{}{
		"provider_id":        providerID,
		"backoff_multiplier": p.backoff,
		"effective_qps":      p.baseRate / p.backoff,
		"rolling_error_rate": p.window.ErrorRate(),
	})
}

// recover halves the multiplier after a run of OK outcomes.
func (l *Limiter) recover(providerID string, p *providerLimiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backoff <= 1 {
		return
	}
	p.okRun++
	if p.okRun < l.config.RecoveryRun {
		return
	}
	p.okRun = 0
	p.backoff /= 2
	if p.backoff < 1 {
		p.backoff = 1
	}
	p.bucket.SetLimit(rate.Limit(p.baseRate / p.backoff))
	l.logger.Info("Provider backoff decayed", map[string]interface{}{
		"provider_id":        providerID,
		"backoff_multiplier": p.backoff,
		"effective_qps":      p.baseRate / p.backoff,
	})
}

// Stats returns the current limiter view for a provider.
func (l *Limiter) Stats(providerID string) (Stats, error) {
	p, err := l.provider(providerID)
	if err != nil {
		return Stats{}, err
	}
	p.mu.Lock()
	backoff := p.backoff
	p.mu.Unlock()
	return Stats{
		TokensAvailable:   p.bucket.Tokens(),
		InFlight:          int(p.inFlight.Load()),
		EffectiveQPS:      p.baseRate / backoff,
		BackoffMultiplier: backoff,
		RollingErrorRate:  p.window.ErrorRate(),
	}, nil
}

// ObservedP50 returns the median observed latency for a provider.
// The router uses this for candidate ranking; 0 means no samples yet.
func (l *Limiter) ObservedP50(providerID string) time.Duration {
	p, err := l.provider(providerID)
	if err != nil {
		return 0
	}
	return p.window.P50Latency()
}

// BackoffMultipliers returns each provider's current multiplier.
// Used by the best-effort snapshot persistence.
func (l *Limiter) BackoffMultipliers() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.providers))
	for id, p := range l.providers {
		p.mu.Lock()
		out[id] = p.backoff
		p.mu.Unlock()
	}
	return out
}

// RestoreBackoffMultipliers applies persisted multipliers on startup.
// Best-effort: unknown providers are ignored.
func (l *Limiter) RestoreBackoffMultipliers(multipliers map[string]float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, m := range multipliers {
		p, ok := l.providers[id]
		if !ok || m < 1 {
			continue
		}
		if m > l.config.MaxBackoffMultiplier {
			m = l.config.MaxBackoffMultiplier
		}
		p.mu.Lock()
		p.backoff = m
		p.bucket.SetLimit(rate.Limit(p.baseRate / m))
		p.mu.Unlock()
	}
}
