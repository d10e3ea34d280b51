// Package provider defines the capability set every video generation
// provider adapter implements, a factory registry for configured
// providers, and a shared HTTP client base.
//
// Providers are configured, not hard-coded: the set of adapters is open.
// An adapter maps its service's wire protocol onto the Submit / Poll /
// FetchArtifact / ClassifyError contract; everything above this package
// is provider-agnostic.
package provider

import (
	"context"
	"errors"
	"io"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// SubmitRequest is a concrete generation request for one model.
type SubmitRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	AspectRatio     string `json:"aspect_ratio"`
	ReferenceAsset  string `json:"reference_asset,omitempty"`
}

// SubmitResult is the provider's answer to a submission. Providers
// occasionally return synchronous success; most return an async job.
type SubmitResult struct {
	JobID string
	State core.JobState // JobPending, JobRunning, or JobSucceeded

	// ArtifactURI and CreditsCharged are set on synchronous success.
	ArtifactURI    string
	CreditsCharged int
}

// PollResult is the provider's answer to a status query.
type PollResult struct {
	State          core.JobState
	ArtifactURI    string
	FailureKind    core.FailureKind
	CreditsCharged int
}

// ErrorClass is the adapter-level error classification.
type ErrorClass string

const (
	ErrClassTransient   ErrorClass = "TRANSIENT"
	ErrClassPermanent   ErrorClass = "PERMANENT"
	ErrClassRateLimited ErrorClass = "RATE_LIMITED"
	ErrClassOutage      ErrorClass = "OUTAGE"
)

// FailureKind maps the adapter classification onto the shared taxonomy.
func (c ErrorClass) FailureKind() core.FailureKind {
	switch c {
	case ErrClassTransient:
		return core.FailureTransientNetwork
	case ErrClassRateLimited:
		return core.FailureRateLimited
	case ErrClassOutage:
		return core.FailureProviderOutage
	default:
		return core.FailureClientError
	}
}

// VideoProvider is the polymorphic capability set for one provider.
type VideoProvider interface {
	// Submit starts a generation job.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// Poll queries the status of a previously submitted job.
	Poll(ctx context.Context, jobID string) (PollResult, error)

	// FetchArtifact downloads a finished artifact. For INLINE_URL
	// providers the URI is fetchable directly; for PULL_BY_ID providers
	// the adapter performs the authenticated download.
	FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error)

	// ClassifyError maps an HTTP status and response body onto the
	// adapter error classes, including recognized outage signatures.
	ClassifyError(status int, body []byte) ErrorClass
}

// Prober is an optional capability: a deliberately minimal request used
// by the recovery prober to test an UNHEALTHY provider.
type Prober interface {
	Probe(ctx context.Context) error
}

// ClassifiedError carries an adapter classification through an error
// chain so the worker can react without re-parsing responses.
type ClassifiedError struct {
	Class  ErrorClass
	Status int
	Err    error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify extracts the ErrorClass from an error chain, defaulting to
// TRANSIENT for unclassified errors (network-level failures).
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrClassTransient
}
