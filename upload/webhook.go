// Package upload implements artifact hand-off to the distribution side
// of the pipeline.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// WebhookUploader posts finished artifacts to a distribution webhook.
// The webhook owns platform-specific publishing; this side only
// delivers the artifact URI and metadata.
type WebhookUploader struct {
	url    string
	client *http.Client
	logger core.Logger
}

// NewWebhookUploader creates an uploader targeting the given endpoint.
func NewWebhookUploader(url string, logger core.Logger) *WebhookUploader {
	return &WebhookUploader{
		url: url,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		logger: core.ComponentLogger(logger, "upload"),
	}
}

// Upload implements core.Uploader.
func (u *WebhookUploader) Upload(ctx context.Context, platform, artifactURI string, metadata map[string]string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"platform":     platform,
		"artifact_uri": artifactURI,
		"metadata":     metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize upload payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload webhook returned status %d", resp.StatusCode)
	}

	var ack struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal(body, &ack); err == nil && ack.ExternalID != "" {
		return ack.ExternalID, nil
	}
	return artifactURI, nil
}
