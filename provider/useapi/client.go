// Package useapi adapts the UseAPI-style video generation gateway:
// credit-metered async jobs whose artifacts require an authenticated
// download keyed by job ID (PULL_BY_ID).
package useapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider"
)

func init() {
	provider.MustRegister(&factory{})
}

type factory struct{}

func (f *factory) Name() string { return "useapi" }

func (f *factory) Create(descriptor *core.ProviderDescriptor, opts provider.Options) (provider.VideoProvider, error) {
	if descriptor.BaseURL == "" {
		return nil, fmt.Errorf("%w: useapi adapter requires base_url", core.ErrInvalidConfiguration)
	}
	return &Client{
		BaseClient: provider.NewBaseClient(descriptor.BaseURL, opts.APIKey,
			120*time.Second, descriptor.KnownOutageSignatures, opts.Logger),
		providerID: descriptor.ID,
	}, nil
}

// Client implements provider.VideoProvider for UseAPI-style gateways.
type Client struct {
	*provider.BaseClient
	providerID string
}

type submitRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`
	Image       string `json:"image,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type pollResponse struct {
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreditsUsed int    `json:"credits_used,omitempty"`
}

// Submit starts a generation job.
func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	var resp submitResponse
	err := c.DoJSON(ctx, http.MethodPost, "/v1/jobs", submitRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Duration:    req.DurationSeconds,
		AspectRatio: req.AspectRatio,
		Image:       req.ReferenceAsset,
	}, &resp)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	if resp.JobID == "" {
		return provider.SubmitResult{}, &provider.ClassifiedError{
			Class: provider.ErrClassTransient,
			Err:   fmt.Errorf("useapi submit returned empty job id"),
		}
	}
	return provider.SubmitResult{JobID: resp.JobID, State: mapStatus(resp.Status)}, nil
}

// Poll queries job status. The artifact URI for PULL_BY_ID providers is
// the job ID itself; FetchArtifact performs the authenticated download.
func (c *Client) Poll(ctx context.Context, jobID string) (provider.PollResult, error) {
	var resp pollResponse
	if err := c.DoJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &resp); err != nil {
		return provider.PollResult{}, err
	}

	result := provider.PollResult{State: mapStatus(resp.Status), CreditsCharged: resp.CreditsUsed}
	switch result.State {
	case core.JobSucceeded:
		result.ArtifactURI = jobID
	case core.JobFailed:
		result.FailureKind = core.FailureClientError
		if resp.Error == "" {
			result.FailureKind = core.FailureTransientNetwork
		}
	}
	return result, nil
}

// FetchArtifact downloads the finished video by job ID.
func (c *Client) FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	return c.FetchURL(ctx, c.BaseURL+"/v1/jobs/"+uri+"/artifact")
}

// ClassifyError satisfies the capability set using the shared rules.
func (c *Client) ClassifyError(status int, body []byte) provider.ErrorClass {
	return c.ClassifyStatus(status, body)
}

func mapStatus(status string) core.JobState {
	switch status {
	case "queued", "submitted":
		return core.JobPending
	case "processing", "running":
		return core.JobRunning
	case "completed", "succeeded":
		return core.JobSucceeded
	case "failed", "error":
		return core.JobFailed
	default:
		return core.JobRunning
	}
}
