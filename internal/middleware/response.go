package middleware

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "aikeyproxy/internal/errors"

	"github.com/gin-gonic/gin"
)

// respondError renders a standardized APIError in the caller's wire format
// and aborts the chain, the same envelope internal/dispatch's writeError
// produces for the rest of the request lifecycle so a client sees one
// consistent error shape whether the failure came from auth, rate limiting,
// a panic, or the dispatch pipeline itself.
func respondError(c *gin.Context, err *apperrors.APIError) {
	if ra := err.GetRetryAfter(); ra > 0 && (err.HTTPStatus == http.StatusTooManyRequests || err.HTTPStatus == http.StatusServiceUnavailable) {
		c.Header("Retry-After", strconv.Itoa(ra))
	}
	payload, marshalErr := err.ToJSON(detectFormat(c))
	if marshalErr != nil {
		c.AbortWithStatusJSON(err.HTTPStatus, gin.H{"error": gin.H{"message": err.Message, "type": err.Type, "code": err.Code}})
		return
	}
	c.Data(err.HTTPStatus, "application/json", payload)
	c.Abort()
}

// detectFormat picks the error wire format from the request path: routes
// under /v2 speak the native generateContent envelope, everything else
// (including /v1) speaks the OpenAI-compatible envelope.
func detectFormat(c *gin.Context) apperrors.ErrorFormat {
	if strings.HasPrefix(c.Request.URL.Path, "/v2") {
		return apperrors.FormatGemini
	}
	return apperrors.FormatOpenAI
}
