package core

import (
	"fmt"
	"time"
)

// Tier is the quality/cost class of a generation request.
type Tier string

const (
	TierPremium  Tier = "PREMIUM"
	TierStandard Tier = "STANDARD"
	TierVolume   Tier = "VOLUME"
)

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	return t == TierPremium || t == TierStandard || t == TierVolume
}

// Uplift returns the next tier up (VOLUME -> STANDARD -> PREMIUM).
// ok is false when t is already PREMIUM.
func (t Tier) Uplift() (next Tier, ok bool) {
	switch t {
	case TierVolume:
		return TierStandard, true
	case TierStandard:
		return TierPremium, true
	default:
		return t, false
	}
}

// UpliftPolicy controls whether the router may retry a request at the
// next tier up when the requested tier has no viable provider.
type UpliftPolicy string

const (
	UpliftNever           UpliftPolicy = "NEVER"
	UpliftOnExhaustion    UpliftPolicy = "ON_EXHAUSTION"
	UpliftAlwaysIfCheaper UpliftPolicy = "ALWAYS_IF_CHEAPER"
)

// GenerationRequest is one unit of work: a creative spec to be turned
// into a video by some provider.
type GenerationRequest struct {
	RequestID       string     `json:"request_id"`
	Tier            Tier       `json:"quality_tier"`
	Prompt          string     `json:"prompt"`
	DurationSeconds int        `json:"duration_seconds"`
	AspectRatio     string     `json:"aspect_ratio"`
	PlatformHint    string     `json:"platform_hint,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// Validate checks the request is well-formed before it enters the queue.
func (r *GenerationRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: request_id is empty", ErrInvalidConfiguration)
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidConfiguration, r.Tier)
	}
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidConfiguration)
	}
	if r.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// RetryPolicy is the queue's per-task delivery retry policy.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	MinBackoff  time.Duration `json:"min_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy matches the queue contract: exponential backoff
// starting at 10s, capped at 300s, up to 5 delivery attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MinBackoff:  10 * time.Second,
		MaxBackoff:  300 * time.Second,
	}
}

// NextBackoff returns the delay before delivery attempt n (1-indexed).
func (p RetryPolicy) NextBackoff(attempt int) time.Duration {
	d := p.MinBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// TaskEnvelope is the serialized unit that crosses the queue boundary.
type TaskEnvelope struct {
	RequestID   string            `json:"request_id"`
	Payload     GenerationRequest `json:"payload"`
	AttemptNo   int               `json:"attempt_no"`
	EnqueueTime time.Time         `json:"enqueue_time"`
	NotBefore   time.Time         `json:"not_before,omitempty"`
	Retry       RetryPolicy       `json:"retry_policy"`
}

// RequestRecord is the structured terminal record every request emits.
// No silent drops: each enqueued request reaches exactly one of these.
type RequestRecord struct {
	RequestID      string      `json:"request_id"`
	Tier           Tier        `json:"tier"`
	State          string      `json:"state"` // PENDING, COMPLETED, FAILED
	Attempts       int         `json:"attempts"`
	FinalErrorKind FailureKind `json:"final_error_kind,omitempty"`
	ProvidersTried []string    `json:"providers_tried,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Request record states.
const (
	RecordPending   = "PENDING"
	RecordCompleted = "COMPLETED"
	RecordFailed    = "FAILED"
)
