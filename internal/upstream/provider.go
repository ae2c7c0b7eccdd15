// Package upstream is the thin HTTP client that physically sends a
// translated request to the single upstream generative-content provider.
// It is explicitly out of scope per the governing spec (an "external
// collaborator": the SDK adapter that serializes requests) — this is
// deliberately a minimal pass-through, not a full provider SDK. Transport
// shape (dialer timeouts, one shared *http.Client) is grounded on the
// teacher's internal/upstream/gemini/client.go, trimmed to what the
// Dispatch Pipeline actually needs: POST the native request body with the
// selected key's secret attached, return the raw response for the
// Dispatch Pipeline to classify and the Format Translator to render.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Result is the raw outcome of one upstream call, before the Dispatch
// Pipeline classifies the status code into an errors.Kind.
type Result struct {
	StatusCode int
	Body       io.ReadCloser
	Header     http.Header
}

// Provider sends a native-shaped generateContent request to the upstream
// provider using key as the caller's credential. Non-streaming callers
// must Close() Result.Body; streaming callers pipe it directly to the
// client and close it when the stream ends.
type Provider interface {
	GenerateContent(ctx context.Context, keySecret, modelID string, body []byte, stream bool) (*Result, error)
	ListModels(ctx context.Context, keySecret string) (*Result, error)
	DeleteCache(ctx context.Context, keySecret, upstreamCacheID string) error
}

// HTTPProvider is the only Provider implementation: a direct REST call
// against the configured BaseURL, modeled on the native
// /v2/models/{model}:generateContent shape this proxy exposes to its own
// callers (spec §6).
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a Provider with per-attempt connect/read timeouts
// (spec §5: 120s read raised from a 5s client default, 10s connect,
// applied per attempt not per overall request).
func NewHTTPProvider(baseURL string, connectTimeout, readTimeout time.Duration) *HTTPProvider {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 120 * time.Second
	}
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: tr},
	}
}

func (p *HTTPProvider) url(path string) string {
	return p.baseURL + path
}

// GenerateContent posts body to /v1internal/models/{model}:generateContent
// (or :streamGenerateContent), authenticating with keySecret in the
// x-goog-api-key header, matching the teacher's header convention for
// provider-specific key attachment (internal/middleware/unified_auth.go).
func (p *HTTPProvider) GenerateContent(ctx context.Context, keySecret, modelID string, body []byte, stream bool) (*Result, error) {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	path := fmt.Sprintf("/v1internal/models/%s:%s", modelID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", keySecret)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
}

// ListModels probes GET /v1internal/models with keySecret, used by the
// Dispatch Pipeline's GET /v1/models handler to intersect the static
// Registry table with models the key can actually reach.
func (p *HTTPProvider) ListModels(ctx context.Context, keySecret string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url("/v1internal/models"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", keySecret)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
}

// DeleteCache best-effort deletes an upstream cached-content handle,
// called by the Cache Metadata Index on explicit delete and TTL sweep.
func (p *HTTPProvider) DeleteCache(ctx context.Context, keySecret, upstreamCacheID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.url("/v1internal/cachedContents/"+upstreamCacheID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", keySecret)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
