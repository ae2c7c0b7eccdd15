package errors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// MapHTTPError maps HTTP status codes and upstream payloads to standardized
// errors, tagged with the taxonomy Kind the selection loop acts on.
// isDailyQuota distinguishes a 429 carrying a daily-quota signal (exhausted
// for the day) from an ordinary rate-limit 429 (transient, cooled down).
func MapHTTPError(statusCode int, upstreamBody []byte, isDailyQuota bool) *APIError {
	upstreamMsg := extractUpstreamMessage(upstreamBody)

	switch statusCode {
	case http.StatusBadRequest:
		// A 400 is usually the request's fault (semantic, surfaced as-is),
		// but the provider also signals a malformed/revoked key as 400 with
		// an API_KEY_INVALID reason — that one condemns the key, not the
		// request, so it must trigger rotation.
		if bytes.Contains(upstreamBody, []byte("API_KEY_INVALID")) {
			return NewKind(KindUpstreamPermanent, statusCode, "invalid_api_key", "authentication_error", firstNonEmpty(upstreamMsg, "API key not valid"))
		}
		return NewKind(KindUpstreamSemantic, statusCode, "invalid_request_error", "invalid_request_error", firstNonEmpty(upstreamMsg, "Invalid request"))
	case http.StatusUnauthorized:
		return NewKind(KindUpstreamPermanent, statusCode, "invalid_api_key", "authentication_error", firstNonEmpty(upstreamMsg, "Invalid authentication"))
	case http.StatusForbidden:
		return NewKind(KindUpstreamPermanent, statusCode, "permission_denied", "permission_error", firstNonEmpty(upstreamMsg, "Permission denied"))
	case http.StatusNotFound:
		return NewKind(KindUpstreamSemantic, statusCode, "not_found", "invalid_request_error", firstNonEmpty(upstreamMsg, "Resource not found"))
	case http.StatusTooManyRequests:
		if isDailyQuota {
			return NewKind(KindUpstreamQuota, statusCode, "quota_exceeded", "rate_limit_error", firstNonEmpty(upstreamMsg, "Daily quota exhausted"))
		}
		return NewKind(KindUpstreamTransient, statusCode, "rate_limit_exceeded", "rate_limit_error", firstNonEmpty(upstreamMsg, "Rate limit exceeded"))
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return NewKind(KindUpstreamTransient, statusCode, "server_error", "server_error", firstNonEmpty(upstreamMsg, "Upstream server error"))
	case http.StatusGatewayTimeout:
		return NewKind(KindUpstreamTransient, statusCode, "timeout", "timeout_error", firstNonEmpty(upstreamMsg, "Request timeout"))
	default:
		if statusCode >= 400 && statusCode < 500 {
			return NewKind(KindUpstreamSemantic, statusCode, "unknown_error", "invalid_request_error", firstNonEmpty(upstreamMsg, fmt.Sprintf("HTTP %d error", statusCode)))
		}
		return NewKind(KindUpstreamTransient, statusCode, "unknown_error", "server_error", firstNonEmpty(upstreamMsg, fmt.Sprintf("HTTP %d error", statusCode)))
	}
}

func extractUpstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var jsonErr map[string]interface{}
	if err := json.Unmarshal(body, &jsonErr); err == nil {
		if errObj, ok := jsonErr["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	msg := string(body)
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
