package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// BaseClient provides common functionality for HTTP-backed adapters:
// an instrumented client, JSON round-trips, and outage signature
// detection from the provider descriptor.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
	BaseURL    string
	APIKey     string

	// OutageSignatures are body substrings from the descriptor that
	// mark a response as a provider outage regardless of status code.
	OutageSignatures []string
}

// NewBaseClient creates a base client with an otelhttp-instrumented
// transport and the given request timeout.
func NewBaseClient(baseURL, apiKey string, timeout time.Duration, signatures []string, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger:           logger,
		BaseURL:          strings.TrimRight(baseURL, "/"),
		APIKey:           apiKey,
		OutageSignatures: signatures,
	}
}

// DoJSON sends a JSON request and decodes a JSON response into out.
// Non-2xx responses return a ClassifiedError carrying the adapter
// classification so callers react without re-reading the body.
func (b *BaseClient) DoJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to serialize request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return &ClassifiedError{Class: ErrClassTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ClassifiedError{Class: ErrClassTransient, Status: resp.StatusCode,
			Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		class := b.ClassifyStatus(resp.StatusCode, respBody)
		b.Logger.Warn("Provider request failed", map[string]interface{}{
			"method":      method,
			"path":        path,
			"status_code": resp.StatusCode,
			"class":       string(class),
		})
		return &ClassifiedError{Class: class, Status: resp.StatusCode,
			Err: fmt.Errorf("provider returned status %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &ClassifiedError{Class: ErrClassTransient, Status: resp.StatusCode,
				Err: fmt.Errorf("failed to deserialize response: %w", err)}
		}
	}
	return nil
}

// FetchURL downloads an artifact URL with the client's credentials.
func (b *BaseClient) FetchURL(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artifact request: %w", err)
	}
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, &ClassifiedError{Class: ErrClassTransient, Err: err}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &ClassifiedError{Class: b.ClassifyStatus(resp.StatusCode, body),
			Status: resp.StatusCode, Err: fmt.Errorf("artifact fetch returned status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

// ClassifyStatus maps an HTTP status and body onto the adapter classes.
// 522/523 and configured outage signatures are immediate OUTAGE evidence.
func (b *BaseClient) ClassifyStatus(status int, body []byte) ErrorClass {
	if status == 522 || status == 523 {
		return ErrClassOutage
	}
	text := string(body)
	for _, sig := range b.OutageSignatures {
		if sig != "" && strings.Contains(text, sig) {
			return ErrClassOutage
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ErrClassRateLimited
	case status >= 500:
		return ErrClassTransient
	case status >= 400:
		return ErrClassPermanent
	default:
		return ErrClassTransient
	}
}

// Probe issues a minimal GET against the provider base URL. Adapters
// embed BaseClient and therefore satisfy the optional Prober interface.
func (b *BaseClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if class := b.ClassifyStatus(resp.StatusCode, body); class == ErrClassOutage || resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
