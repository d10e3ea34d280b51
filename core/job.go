package core

import (
	"fmt"
	"time"
)

// JobState is the state of one attempt against a specific provider.
//
// The lifecycle is monotonic: SUBMITTING -> PENDING -> RUNNING -> terminal.
// Terminal states are sinks. CANCELED may be set from any non-terminal
// state when a replacement attempt supersedes the job.
type JobState string

const (
	JobSubmitting JobState = "SUBMITTING"
	JobPending    JobState = "PENDING"
	JobRunning    JobState = "RUNNING"
	JobSucceeded  JobState = "SUCCEEDED"
	JobFailed     JobState = "FAILED"
	JobExpired    JobState = "EXPIRED"
	JobCanceled   JobState = "CANCELED"
)

// Terminal reports whether the state is a sink.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobExpired, JobCanceled:
		return true
	default:
		return false
	}
}

// rank orders the non-terminal states for the monotonic rule.
func (s JobState) rank() int {
	switch s {
	case JobSubmitting:
		return 0
	case JobPending:
		return 1
	case JobRunning:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether a job may move from s to next without
// violating the monotonic state rule.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == JobCanceled {
		return true
	}
	if next.Terminal() {
		return true
	}
	return next.rank() >= s.rank()
}

// ProviderJob is an attempt against a specific provider/model.
type ProviderJob struct {
	RequestID     string   `json:"request_id"`
	ProviderID    string   `json:"provider_id"`
	ProviderJobID string   `json:"provider_job_id,omitempty"`
	ModelID       string   `json:"model_id"`
	State         JobState `json:"state"`
	Attempts      int      `json:"attempts"`

	// AttemptID distinguishes attempt instances before the provider
	// assigns a job ID. Without it a terminal earlier attempt would
	// keep occupying the request-scoped key and block resubmission
	// against the same provider.
	AttemptID string `json:"attempt_id,omitempty"`

	// ReservationID links the job to its optimistic budget hold so that
	// whichever of worker/poller reaches the terminal state settles it.
	ReservationID string `json:"reservation_id,omitempty"`

	SubmittedAt  time.Time `json:"submitted_at"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`

	// PollFailures counts consecutive transient poll errors. Each one
	// doubles this job's poll interval until a poll succeeds.
	PollFailures int `json:"poll_failures,omitempty"`

	CreditsCharged int         `json:"credits_charged,omitempty"`
	ArtifactURI    string      `json:"artifact_uri,omitempty"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`

	// Uploaded marks that the upload collaborator accepted the artifact.
	// Upload retries are independent of the (terminal) job state.
	Uploaded bool `json:"uploaded,omitempty"`
}

// Key identifies a job by (provider_id, provider_job_id), falling back
// to the request and attempt IDs while the submission is still in
// flight.
func (j *ProviderJob) Key() string {
	if j.ProviderJobID != "" {
		return fmt.Sprintf("%s:%s", j.ProviderID, j.ProviderJobID)
	}
	if j.AttemptID != "" {
		return fmt.Sprintf("%s:req:%s:%s", j.ProviderID, j.RequestID, j.AttemptID)
	}
	return fmt.Sprintf("%s:req:%s", j.ProviderID, j.RequestID)
}

// Age returns how long the job has existed.
func (j *ProviderJob) Age(now time.Time) time.Duration {
	return now.Sub(j.SubmittedAt)
}
