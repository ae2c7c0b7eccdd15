package dispatch

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	apperrors "aikeyproxy/internal/errors"
	"aikeyproxy/internal/translator"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// GenerateContent handles POST /v2/models/{model}:generateContent and its
// :streamGenerateContent sibling — the native pass-through shape (spec
// §6). Gin's wildcard keeps both actions in one route; streamAction is
// derived from the trailing path segment the same way the teacher's
// internal/upstream/gemini paths.go distinguishes them.
func (p *Pipeline) GenerateContent(c *gin.Context) {
	model, stream := parseModelAction(c.Param("modelAction"))
	if model == "" {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "missing model in path"))
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "failed to read request body"))
		return
	}
	if !gjson.GetBytes(raw, "contents").IsArray() || len(gjson.GetBytes(raw, "contents").Array()) == 0 {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "contents must be a non-empty array"))
		return
	}
	if err := translator.ValidateNativeInlineData(raw); err != nil {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", err.Error()))
		return
	}

	credential, _ := c.Get("api_key")
	req := Request{
		Credential: credential.(string),
		Format:     translator.FormatNative,
		Model:      model,
		RawBody:    raw,
		Stream:     stream,
	}

	result, err := p.Dispatch(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.Stream != nil {
		writeSSE(c, result.Stream)
		return
	}
	c.Data(http.StatusOK, "application/json", result.Body)
}

// parseModelAction splits "{model}:generateContent" or
// "{model}:streamGenerateContent" the way
// internal/upstream/gemini/paths.go's BuildActionPath does in reverse.
func parseModelAction(raw string) (model string, stream bool) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ':' {
			action := raw[i+1:]
			return raw[:i], action == "streamGenerateContent"
		}
	}
	return raw, false
}

// probeModelIDs lists the models to advertise: the Registry's table
// intersected with a successful live probe against one pooled key, or
// the full Registry table as the static fallback when no probe succeeds
// (or the probe and the table do not overlap at all).
func (p *Pipeline) probeModelIDs(ctx context.Context) []string {
	known := p.Limits.KnownModelIDs()

	probed := make(map[string]bool)
	var probeOK bool
	for _, k := range p.Keys.All() {
		if !k.IsEligible(time.Now()) {
			continue
		}
		res, err := p.Provider.ListModels(ctx, k.Secret)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			continue
		}
		probeOK = true
		for _, m := range gjson.GetBytes(body, "models.#.name").Array() {
			probed[strings.TrimPrefix(m.String(), "models/")] = true
		}
		break
	}

	var out []string
	if probeOK {
		for _, id := range known {
			if probed[id] {
				out = append(out, id)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, known...)
	}
	sort.Strings(out)
	return out
}
