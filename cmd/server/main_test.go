package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"aikeyproxy/internal/cachemeta"
	"aikeyproxy/internal/config"
	"aikeyproxy/internal/contextstore"
	"aikeyproxy/internal/dispatch"
	"aikeyproxy/internal/keypool"
	"aikeyproxy/internal/limits"
	"aikeyproxy/internal/translator"
	"aikeyproxy/internal/upstream"
	"aikeyproxy/internal/usage"

	"github.com/gin-gonic/gin"
)

func testPipeline(t *testing.T) (*config.Config, *dispatch.Pipeline) {
	t.Helper()
	cfg := config.Defaults()
	reg := limits.NewRegistry("", cfg.KeyPool.FallbackInputTokenLimit)
	tracker := usage.NewTracker(reg, cfg.QuotaLocation(), nil)
	mgr := keypool.NewManager(cfg.KeyPool, tracker)
	mgr.Add(keypool.NewKey("k1", "secret", "", true))
	ctxStore := contextstore.NewMemoryStore(cfg.Context.MemoryMaxRecords, cfg.Context.DefaultTTLDays)
	provider := upstream.NewHTTPProvider("http://localhost:0", 0, 0)

	var cache cachemeta.Index
	return cfg, &dispatch.Pipeline{
		Config:      cfg,
		Limits:      reg,
		Usage:       tracker,
		Keys:        mgr,
		Context:     ctxStore,
		Cache:       cache,
		Provider:    provider,
		Translators: translator.NewRegistry(),
	}
}

func TestBuildEngineHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, pipeline := testPipeline(t)
	engine := buildEngine(cfg, pipeline, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBuildEngineRejectsUnauthenticatedChat(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, pipeline := testPipeline(t)
	cfg.Auth.Credentials = []string{"secret-client-key"}
	engine := buildEngine(cfg, pipeline, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestBuildEngineMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, pipeline := testPipeline(t)
	engine := buildEngine(cfg, pipeline, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
