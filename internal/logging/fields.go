package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// WithReq returns a logrus Entry carrying the request_id set by
// middleware.RequestID, merged with extra fields supplied by the caller.
func WithReq(c *gin.Context, extra log.Fields) *log.Entry {
	fields := log.Fields{}
	if rid, ok := c.Get("request_id"); ok {
		fields["request_id"] = rid
	}
	for k, v := range extra {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS renders a duration as whole milliseconds for log fields.
func DurationMS(d time.Duration) int64 {
	return d.Milliseconds()
}
