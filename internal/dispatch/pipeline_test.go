package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"aikeyproxy/internal/config"
	"aikeyproxy/internal/contextstore"
	apperrors "aikeyproxy/internal/errors"
	"aikeyproxy/internal/keypool"
	"aikeyproxy/internal/limits"
	"aikeyproxy/internal/translator"
	"aikeyproxy/internal/upstream"
	"aikeyproxy/internal/usage"
)

// fakeProvider replays a scripted sequence of responses/errors per call,
// keyed by call index, so tests can assert on rotation behavior the way
// spec.md §8's worked example does (K1 fails transient, K2 succeeds).
type fakeProvider struct {
	calls     []fakeCall
	responses []fakeResponse
}

type fakeCall struct {
	keySecret string
	modelID   string
	body      []byte
	stream    bool
}

type fakeResponse struct {
	status int
	body   string
	err    error
	header http.Header
}

func (f *fakeProvider) GenerateContent(ctx context.Context, keySecret, modelID string, body []byte, stream bool) (*upstream.Result, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, fakeCall{keySecret: keySecret, modelID: modelID, body: body, stream: stream})
	if idx >= len(f.responses) {
		return nil, context.DeadlineExceeded
	}
	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	h := r.header
	if h == nil {
		h = http.Header{}
	}
	return &upstream.Result{StatusCode: r.status, Body: io.NopCloser(bytes.NewBufferString(r.body)), Header: h}, nil
}

func (f *fakeProvider) ListModels(ctx context.Context, keySecret string) (*upstream.Result, error) {
	return &upstream.Result{StatusCode: 200, Body: io.NopCloser(bytes.NewBufferString(`{"models":[]}`)), Header: http.Header{}}, nil
}

func (f *fakeProvider) DeleteCache(ctx context.Context, keySecret, upstreamCacheID string) error {
	return nil
}

func newTestPipeline(t *testing.T, provider upstream.Provider, keyIDs ...string) (*Pipeline, *keypool.Manager) {
	t.Helper()
	cfg := config.Defaults()
	cfg.KeyPool.SelectionAttemptCap = 5
	cfg.KeyPool.StickySessions = false
	reg := limits.NewRegistry("", 32000)
	tracker := usage.NewTracker(reg, cfg.QuotaLocation(), nil)
	mgr := keypool.NewManager(cfg.KeyPool, tracker)
	for _, id := range keyIDs {
		mgr.Add(keypool.NewKey(id, "secret-"+id, "", true))
	}
	ctxStore := contextstore.NewMemoryStore(1000, 7)
	p := &Pipeline{
		Config:      cfg,
		Limits:      reg,
		Usage:       tracker,
		Keys:        mgr,
		Context:     ctxStore,
		Cache:       nil,
		Provider:    provider,
		Translators: translator.NewRegistry(),
	}
	return p, mgr
}

const sampleGeminiBody = `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
const sampleGeminiReply = `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi there"}]}}]}`

func TestDispatchRotatesPastTransientFailure(t *testing.T) {
	provider := &fakeProvider{
		responses: []fakeResponse{
			{status: 503, body: `{"error":{"status":"UNAVAILABLE","message":"overloaded"}}`},
			{status: 200, body: sampleGeminiReply},
		},
	}
	p, _ := newTestPipeline(t, provider, "k1", "k2")

	res, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.calls) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(provider.calls))
	}
	if provider.calls[0].keySecret == provider.calls[1].keySecret {
		t.Fatalf("expected rotation to a different key on retry, both calls used %q", provider.calls[0].keySecret)
	}
	if res.KeyID == "" {
		t.Fatalf("expected a winning key id on the result")
	}
}

func TestDispatchSemanticErrorNotRetried(t *testing.T) {
	provider := &fakeProvider{
		responses: []fakeResponse{
			{status: 400, body: `{"error":{"status":"INVALID_ARGUMENT","message":"bad prompt"}}`},
		},
	}
	p, _ := newTestPipeline(t, provider, "k1", "k2")

	_, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	apiErr, ok := err.(*apperrors.APIError)
	if !ok {
		t.Fatalf("expected *apperrors.APIError, got %T", err)
	}
	if apiErr.Kind != apperrors.KindUpstreamSemantic {
		t.Fatalf("expected KindUpstreamSemantic, got %v", apiErr.Kind)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("expected exactly one upstream call for a semantic error, got %d", len(provider.calls))
	}
}

func TestDispatchNoCapacityWhenAllKeysCoolingDown(t *testing.T) {
	provider := &fakeProvider{}
	p, mgr := newTestPipeline(t, provider, "k1")
	k, _ := mgr.Get("k1")
	k.MarkCooldown(time.Now(), 503, p.Config.KeyPool)

	_, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	apiErr, ok := err.(*apperrors.APIError)
	if !ok || apiErr.Kind != apperrors.KindNoCapacity {
		t.Fatalf("expected KindNoCapacity, got %v (%T)", err, err)
	}
	if len(provider.calls) != 0 {
		t.Fatalf("expected no upstream calls when no key is eligible, got %d", len(provider.calls))
	}
}

func TestDispatchSuccessPersistsContext(t *testing.T) {
	provider := &fakeProvider{
		responses: []fakeResponse{{status: 200, body: sampleGeminiReply}},
	}
	p, _ := newTestPipeline(t, provider, "k1")

	_, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turns, err := p.Context.Load("cred-1")
	if err != nil {
		t.Fatalf("unexpected error loading context: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 persisted turns (user + model), got %d", len(turns))
	}
	if turns[0].Role != contextstore.RoleUser || turns[1].Role != contextstore.RoleModel {
		t.Fatalf("expected user then model turn, got %v then %v", turns[0].Role, turns[1].Role)
	}
}

func TestDispatchQuotaExhaustedMarksKeyAndRetries(t *testing.T) {
	provider := &fakeProvider{
		responses: []fakeResponse{
			{status: 429, body: `{"error":{"status":"RESOURCE_EXHAUSTED_DAILY","message":"daily quota"}}`},
			{status: 200, body: sampleGeminiReply},
		},
	}
	p, mgr := newTestPipeline(t, provider, "k1", "k2")

	res, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.KeyID == "" {
		t.Fatalf("expected a winning key")
	}

	var sawQuotaExhausted bool
	for _, k := range mgr.All() {
		if k.Snapshot().State == keypool.StateQuotaExhausted {
			sawQuotaExhausted = true
		}
	}
	if !sawQuotaExhausted {
		t.Fatalf("expected one key to be marked quota-exhausted after RESOURCE_EXHAUSTED_DAILY")
	}
}

func TestDispatchCancellationSurfacedWithoutMarkingKey(t *testing.T) {
	provider := &fakeProvider{}
	p, mgr := newTestPipeline(t, provider, "k1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Dispatch(ctx, Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	apiErr, ok := err.(*apperrors.APIError)
	if !ok || apiErr.Kind != apperrors.KindCancellation {
		t.Fatalf("expected KindCancellation, got %v (%T)", err, err)
	}
	k, _ := mgr.Get("k1")
	if k.Snapshot().State != keypool.StateEnabled {
		t.Fatalf("expected key to remain enabled after a cancellation, got %v", k.Snapshot().State)
	}
}
