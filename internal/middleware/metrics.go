package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aikeyproxy_http_in_flight_requests",
		Help: "Number of HTTP requests currently being served.",
	})
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aikeyproxy_http_requests_total",
		Help: "Total HTTP requests by method, path, and status class.",
	}, []string{"method", "path", "status"})
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aikeyproxy_http_request_duration_seconds",
		Help:    "HTTP request latency by method, path, and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	rateLimitKeysGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aikeyproxy_rate_limit_keys",
		Help: "Number of distinct per-key rate limiters currently cached.",
	})
	rateLimitSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aikeyproxy_rate_limit_sweeps_total",
		Help: "Number of times the rate limiter TTL cache was swept.",
	})
)

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// Metrics is an HTTP middleware that records per-route request counts and
// latency histograms, grounded on the teacher's internal/middleware/metrics.go
// shape but backed directly by prometheus/client_golang instead of a
// separate monitoring package (this repo has no admin dashboard to feed).
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInFlight.Inc()
		c.Next()
		httpInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		sc := statusClass(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, sc).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, sc).Observe(time.Since(start).Seconds())
	}
}

// SetRateLimitKeyGauge sets the current per-key limiter count.
func SetRateLimitKeyGauge(n int) {
	rateLimitKeysGauge.Set(float64(n))
}

// RecordRateLimitSweep increments the sweep counter for the TTL cache.
func RecordRateLimitSweep() {
	rateLimitSweepsTotal.Inc()
}
