package dispatch

import (
	"bufio"
	"io"
	"net/http"
	"strconv"

	apperrors "aikeyproxy/internal/errors"
	"aikeyproxy/internal/logging"
	"aikeyproxy/internal/translator"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// ChatCompletions handles POST /v1/chat/completions (spec.md §6), the
// OpenAI-compatible entry point. Grounded on the teacher's
// internal/handlers/openai chat handler shape: read the body once,
// extract model/stream from it with gjson rather than a typed struct,
// hand off to the Pipeline, and stream or return the translated result.
func (p *Pipeline) ChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "failed to read request body"))
		return
	}
	if !gjson.GetBytes(raw, "messages").IsArray() || len(gjson.GetBytes(raw, "messages").Array()) == 0 {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "messages must be a non-empty array"))
		return
	}

	credential, _ := c.Get("api_key")
	req := Request{
		Credential: credential.(string),
		Format:     translator.FormatOpenAI,
		Model:      gjson.GetBytes(raw, "model").String(),
		RawBody:    raw,
		Stream:     gjson.GetBytes(raw, "stream").Bool(),
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
	logging.WithReq(c, nil).WithField("key_id", result.KeyID).WithField("model", result.ModelID).Info("dispatch: chat completion served")
	c.Data(http.StatusOK, "application/json", result.Body)
}

// Models handles GET /v1/models: the Registry's known model ids,
// optionally narrowed by a live probe against one pooled key (spec §6).
func (p *Pipeline) Models(c *gin.Context) {
	ids := p.probeModelIDs(c.Request.Context())
	data := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]interface{}{"id": id, "object": "model", "owned_by": "aikeyproxy"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func writeError(c *gin.Context, err error) {
	apiErr, ok := err.(*apperrors.APIError)
	if !ok {
		apiErr = apperrors.New(http.StatusInternalServerError, "internal_error", "server_error", err.Error())
	}
	if apiErr.HTTPStatus == http.StatusServiceUnavailable || apiErr.HTTPStatus == http.StatusTooManyRequests {
		if ra := apiErr.GetRetryAfter(); ra > 0 {
			c.Header("Retry-After", strconv.Itoa(ra))
		}
	}
	format := apperrors.FormatOpenAI
	if c.Request != nil && len(c.Request.URL.Path) >= 3 && c.Request.URL.Path[:3] == "/v2" {
		format = apperrors.FormatGemini
	}
	payload, marshalErr := apiErr.ToJSON(format)
	if marshalErr != nil {
		c.JSON(apiErr.HTTPStatus, gin.H{"error": gin.H{"message": apiErr.Message}})
		return
	}
	c.Data(apiErr.HTTPStatus, "application/json", payload)
}

func writeSSE(c *gin.Context, stream io.Reader) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if _, werr := c.Writer.Write([]byte(line)); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
	}
}
