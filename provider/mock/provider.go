// Package mock provides a scriptable in-memory provider for tests.
//
// Jobs advance through a scripted sequence of poll results; submissions
// and polls can be forced to fail with classified errors to exercise
// failover and health tracking.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider"
)

// Provider is a scriptable provider.VideoProvider.
type Provider struct {
	mu sync.Mutex

	// SubmitErr, when set, fails every Submit with this error.
	SubmitErr error
	// SubmitErrs holds one-shot errors consumed in order before
	// SubmitErr is consulted; each failing Submit pops one.
	SubmitErrs []error
	// SubmitSync, when true, returns synchronous success from Submit.
	SubmitSync bool
	// PollScript holds the sequence of results returned by Poll for
	// each job, in order; the last entry repeats.
	PollScript []provider.PollResult
	// PollErr, when set, fails every Poll with this error.
	PollErr error
	// ProbeErr is returned by Probe.
	ProbeErr error

	submits   int
	polls     map[string]int
	nextJobID int
}

// New creates an empty mock provider whose jobs run forever until a
// script is installed.
func New() *Provider {
	return &Provider{polls: make(map[string]int)}
}

// Submit starts a scripted job.
func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if len(p.SubmitErrs) > 0 {
		err := p.SubmitErrs[0]
		p.SubmitErrs = p.SubmitErrs[1:]
		return provider.SubmitResult{}, err
	}
	if p.SubmitErr != nil {
		return provider.SubmitResult{}, p.SubmitErr
	}
	p.nextJobID++
	jobID := fmt.Sprintf("mock-job-%d", p.nextJobID)
	if p.SubmitSync {
		return provider.SubmitResult{
			JobID:       jobID,
			State:       core.JobSucceeded,
			ArtifactURI: "mock://" + jobID,
		}, nil
	}
	return provider.SubmitResult{JobID: jobID, State: core.JobRunning}, nil
}

// Poll returns the next scripted result for the job.
func (p *Provider) Poll(ctx context.Context, jobID string) (provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PollErr != nil {
		return provider.PollResult{}, p.PollErr
	}
	if len(p.PollScript) == 0 {
		return provider.PollResult{State: core.JobRunning}, nil
	}
	idx := p.polls[jobID]
	if idx >= len(p.PollScript) {
		idx = len(p.PollScript) - 1
	}
	p.polls[jobID] = idx + 1
	return p.PollScript[idx], nil
}

// FetchArtifact returns a small placeholder payload.
func (p *Provider) FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("mock artifact: " + uri)), nil
}

// ClassifyError applies the standard status rules.
func (p *Provider) ClassifyError(status int, body []byte) provider.ErrorClass {
	switch {
	case status == 522 || status == 523:
		return provider.ErrClassOutage
	case status == 429:
		return provider.ErrClassRateLimited
	case status >= 500:
		return provider.ErrClassTransient
	case status >= 400:
		return provider.ErrClassPermanent
	default:
		return provider.ErrClassTransient
	}
}

// Probe implements the optional Prober capability.
func (p *Provider) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProbeErr
}

// Submits returns how many Submit calls were made.
func (p *Provider) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}
