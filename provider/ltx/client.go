// Package ltx adapts LTX-style studio APIs: async generations that
// return a directly fetchable artifact URL on completion (INLINE_URL).
package ltx

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

func (f *factory) Name() string { return "ltx" }

func (f *factory) Create(descriptor *core.ProviderDescriptor, opts provider.Options) (provider.VideoProvider, error) {
	if descriptor.BaseURL == "" {
		return nil, fmt.Errorf("%w: ltx adapter requires base_url", core.ErrInvalidConfiguration)
	}
	return &Client{
		BaseClient: provider.NewBaseClient(descriptor.BaseURL, opts.APIKey,
			90*time.Second, descriptor.KnownOutageSignatures, opts.Logger),
	}, nil
}

// Client implements provider.VideoProvider for LTX-style APIs.
type Client struct {
	*provider.BaseClient
}

type generationRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	DurationSec int    `json:"duration_sec"`
	Ratio       string `json:"ratio"`
	InitImage   string `json:"init_image,omitempty"`
}

type generationResponse struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	VideoURL string `json:"video_url,omitempty"`
	Credits  int    `json:"credits,omitempty"`
	Failure  string `json:"failure,omitempty"`
}

// Submit starts a generation. LTX occasionally finishes small jobs
// synchronously and returns the video URL in the create response.
func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	var resp generationResponse
	err := c.DoJSON(ctx, http.MethodPost, "/api/generations", generationRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		DurationSec: req.DurationSeconds,
		Ratio:       req.AspectRatio,
		InitImage:   req.ReferenceAsset,
	}, &resp)
	if err != nil {
		return provider.SubmitResult{}, err
	}

	result := provider.SubmitResult{JobID: resp.ID, State: mapState(resp.State)}
	if result.State == core.JobSucceeded {
		result.ArtifactURI = resp.VideoURL
		result.CreditsCharged = resp.Credits
	}
	if result.JobID == "" && result.State != core.JobSucceeded {
		return provider.SubmitResult{}, &provider.ClassifiedError{
			Class: provider.ErrClassTransient,
			Err:   fmt.Errorf("ltx submit returned empty generation id"),
		}
	}
	return result, nil
}

// Poll queries generation status.
func (c *Client) Poll(ctx context.Context, jobID string) (provider.PollResult, error) {
	var resp generationResponse
	if err := c.DoJSON(ctx, http.MethodGet, "/api/generations/"+jobID, nil, &resp); err != nil {
		return provider.PollResult{}, err
	}

	result := provider.PollResult{State: mapState(resp.State), CreditsCharged: resp.Credits}
	switch result.State {
	case core.JobSucceeded:
		result.ArtifactURI = resp.VideoURL
	case core.JobFailed:
		result.FailureKind = core.FailureClientError
		if resp.Failure == "" {
			result.FailureKind = core.FailureTransientNetwork
		}
	}
	return result, nil
}

// FetchArtifact downloads the finished video from its inline URL.
func (c *Client) FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	return c.FetchURL(ctx, uri)
}

// ClassifyError satisfies the capability set using the shared rules.
func (c *Client) ClassifyError(status int, body []byte) provider.ErrorClass {
	return c.ClassifyStatus(status, body)
}

func mapState(state string) core.JobState {
	switch state {
	case "pending", "queued":
		return core.JobPending
	case "running", "in_progress":
		return core.JobRunning
	case "done", "completed":
		return core.JobSucceeded
	case "failed", "canceled":
		return core.JobFailed
	default:
		return core.JobRunning
	}
}
