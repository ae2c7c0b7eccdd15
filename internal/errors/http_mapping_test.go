package errors

import (
	"net/http"
	"strings"
	"testing"
)

func TestMapHTTPErrorKinds(t *testing.T) {
	cases := []struct {
		status     int
		body       string
		dailyQuota bool
		wantKind   Kind
	}{
		{http.StatusBadRequest, `{"error":{"message":"bad prompt","status":"INVALID_ARGUMENT"}}`, false, KindUpstreamSemantic},
		{http.StatusBadRequest, `{"error":{"message":"API key not valid","details":[{"reason":"API_KEY_INVALID"}]}}`, false, KindUpstreamPermanent},
		{http.StatusUnauthorized, "", false, KindUpstreamPermanent},
		{http.StatusForbidden, "", false, KindUpstreamPermanent},
		{http.StatusNotFound, "", false, KindUpstreamSemantic},
		{http.StatusTooManyRequests, "", false, KindUpstreamTransient},
		{http.StatusTooManyRequests, "", true, KindUpstreamQuota},
		{http.StatusInternalServerError, "", false, KindUpstreamTransient},
		{http.StatusBadGateway, "", false, KindUpstreamTransient},
		{http.StatusServiceUnavailable, "", false, KindUpstreamTransient},
		{http.StatusGatewayTimeout, "", false, KindUpstreamTransient},
		{418, "", false, KindUpstreamSemantic},
		{599, "", false, KindUpstreamTransient},
	}
	for _, tc := range cases {
		got := MapHTTPError(tc.status, []byte(tc.body), tc.dailyQuota)
		if got.Kind != tc.wantKind {
			t.Errorf("status %d (daily=%v): expected %v, got %v", tc.status, tc.dailyQuota, tc.wantKind, got.Kind)
		}
		if got.HTTPStatus != tc.status {
			t.Errorf("status %d: expected passthrough status, got %d", tc.status, got.HTTPStatus)
		}
	}
}

func TestMapHTTPErrorUsesUpstreamMessage(t *testing.T) {
	got := MapHTTPError(http.StatusBadRequest, []byte(`{"error":{"message":"the model rejected the prompt"}}`), false)
	if got.Message != "the model rejected the prompt" {
		t.Fatalf("expected the upstream message surfaced, got %q", got.Message)
	}
}

func TestMapHTTPErrorTruncatesNonJSONBody(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := MapHTTPError(http.StatusInternalServerError, []byte(long), false)
	if len(got.Message) > 210 {
		t.Fatalf("expected a truncated message, got %d bytes", len(got.Message))
	}
}
