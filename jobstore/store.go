// Package jobstore persists provider jobs and terminal request records.
//
// The store is the source of truth for the monotonic job lifecycle: every
// state change flows through Transition, which rejects regressions before
// anything is written. Implementations also maintain two indexes, the
// active (non-terminal) job set consumed by the poller and the
// request -> active job mapping used for idempotent redelivery checks.
package jobstore

import (
	"context"
	"fmt"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// Store persists ProviderJobs and RequestRecords.
type Store interface {
	// Create persists a new job. Fails if a job with the same key exists.
	Create(ctx context.Context, job *core.ProviderJob) error

	// Get retrieves a job by its key. Returns core.ErrJobNotFound when absent.
	Get(ctx context.Context, key string) (*core.ProviderJob, error)

	// Transition loads the job at key, applies mutate to a copy, and
	// persists the result atomically. A state change that violates
	// core.JobState.CanTransition fails with core.ErrStateRegression and
	// writes nothing. When mutate assigns a provider job ID the job is
	// re-keyed in place. The persisted job is returned.
	Transition(ctx context.Context, key string, mutate func(*core.ProviderJob) error) (*core.ProviderJob, error)

	// ActiveForRequest returns the non-terminal job for a request, or
	// core.ErrJobNotFound when the request has no live attempt.
	ActiveForRequest(ctx context.Context, requestID string) (*core.ProviderJob, error)

	// ListNonTerminal returns every live job. The poller drives its tick
	// from this set.
	ListNonTerminal(ctx context.Context) ([]*core.ProviderJob, error)

	// ListUnuploaded returns SUCCEEDED jobs whose artifact has not yet
	// been accepted by the upload collaborator. The poller retries these
	// independently of the (terminal) job state.
	ListUnuploaded(ctx context.Context) ([]*core.ProviderJob, error)

	// SaveRecord upserts the terminal record for a request.
	SaveRecord(ctx context.Context, rec *core.RequestRecord) error

	// GetRecord retrieves a request record. Returns core.ErrJobNotFound
	// when the request was never seen.
	GetRecord(ctx context.Context, requestID string) (*core.RequestRecord, error)
}

// checkTransition validates a mutate result against the monotonic rule.
func checkTransition(key string, prev, next core.JobState) error {
	if next == prev {
		return nil
	}
	if !prev.CanTransition(next) {
		return fmt.Errorf("%w: job %s cannot move %s -> %s", core.ErrStateRegression, key, prev, next)
	}
	return nil
}
