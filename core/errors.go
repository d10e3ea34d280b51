package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Routing errors
	ErrNoViableProvider = errors.New("no viable provider")
	ErrBudgetExhausted  = errors.New("budget exhausted")

	// Rate limiter errors
	ErrRateLimitUnavailable = errors.New("rate limit unavailable: deadline exceeded")
	ErrLeaseAlreadyReleased = errors.New("lease already released")

	// Job state errors
	ErrJobNotFound      = errors.New("provider job not found")
	ErrStateRegression  = errors.New("provider job state regression rejected")
	ErrDuplicateRequest = errors.New("request already has an active provider job")

	// Budget ledger errors
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationSettled  = errors.New("reservation already committed or released")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Worker errors
	ErrHandlerPoolFull      = errors.New("handler pool full")
	ErrMaxAttemptsExceeded  = errors.New("maximum provider attempts exceeded")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// FailureKind is the error taxonomy shared by the worker, router, and
// poller. It classifies why an attempt or a whole request failed.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureTransientNetwork FailureKind = "TRANSIENT_NETWORK"
	FailureProviderOutage   FailureKind = "PROVIDER_OUTAGE"
	FailureRateLimited      FailureKind = "RATE_LIMITED"
	FailureClientError      FailureKind = "PROVIDER_CLIENT_ERROR"
	FailureBudgetExhausted  FailureKind = "BUDGET_EXHAUSTED"
	FailureNoViableProvider FailureKind = "NO_VIABLE_PROVIDER"
	FailureDeadlineExceeded FailureKind = "DEADLINE_EXCEEDED"
	FailureInternal         FailureKind = "INTERNAL"
)

// Retryable reports whether the worker may route the request to another
// provider after this kind of failure. Permanent kinds stop the attempt
// chain; FailureClientError still permits a different provider because
// the rejection may be provider-specific (e.g. unsupported aspect ratio).
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTransientNetwork, FailureProviderOutage, FailureRateLimited, FailureClientError:
		return true
	default:
		return false
	}
}

// PipelineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PipelineError struct {
	Op       string      // Operation that failed (e.g., "router.Select")
	Kind     FailureKind // Taxonomy classification
	Provider string      // Optional provider involved
	Err      error       // Underlying error for wrapping
}

func (e *PipelineError) Error() string {
	switch {
	case e.Op != "" && e.Provider != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Provider, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a PipelineError.
func NewPipelineError(op string, kind FailureKind, provider string, err error) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, Provider: provider, Err: err}
}

// KindOf extracts the FailureKind from an error chain.
// Sentinel errors map onto the taxonomy; unknown errors are INTERNAL.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Kind != FailureNone {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return FailureBudgetExhausted
	case errors.Is(err, ErrNoViableProvider):
		return FailureNoViableProvider
	case errors.Is(err, ErrRateLimitUnavailable):
		return FailureDeadlineExceeded
	default:
		return FailureInternal
	}
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
