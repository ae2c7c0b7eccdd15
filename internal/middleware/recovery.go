package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	apperrors "aikeyproxy/internal/errors"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery returns a panic-recovery middleware that renders the caller's
// standardized error envelope instead of gin's plain-text default, so a
// panic produces the same {error: {message, type, code}} shape a client
// would see from a normal dispatch failure.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				log.WithFields(log.Fields{
					"error":      r,
					"stack":      string(stack),
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"client_ip":  c.ClientIP(),
					"user_agent": c.Request.UserAgent(),
					"timestamp":  time.Now().Format(time.RFC3339),
				}).Error("panic recovered")

				respondError(c, apperrors.New(http.StatusInternalServerError, "panic_recovered", "internal_error", "internal server error"))
			}
		}()

		c.Next()
	}
}
