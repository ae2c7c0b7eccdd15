package middleware

import (
	"strings"
	"sync"
	"time"

	apperrors "aikeyproxy/internal/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ttlLimiterCache is a simple TTL map for per-key limiters with opportunistic sweeping.
type ttlLimiterCache struct {
	mu        sync.RWMutex
	items     map[string]*limiterEntry
	ttl       time.Duration
	lastSweep time.Time
}

func newTTLLimiterCache(ttl time.Duration) *ttlLimiterCache {
	return &ttlLimiterCache{items: make(map[string]*limiterEntry), ttl: ttl}
}

func (c *ttlLimiterCache) get(key string, makeFn func() *rate.Limiter) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := makeFn()
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}
	SetRateLimitKeyGauge(len(c.items))
	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > 2*time.Minute {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	return lim
}

func (c *ttlLimiterCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 {
		c.ttl = 15 * time.Minute
	}
	for k, e := range c.items {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.items, k)
		}
	}
	SetRateLimitKeyGauge(len(c.items))
	RecordRateLimitSweep()
}

// dailyCounter caps requests per key over a rolling 24h window. Each key
// gets its own window start; the count resets once the window has elapsed
// rather than at a fixed calendar boundary, so a burst right before
// midnight doesn't get a free second allowance right after.
type dailyCounter struct {
	mu    sync.Mutex
	cap   int
	items map[string]*dailyEntry
}

type dailyEntry struct {
	windowStart time.Time
	count       int
}

func newDailyCounter(cap int) *dailyCounter {
	return &dailyCounter{cap: cap, items: make(map[string]*dailyEntry)}
}

// allow reports whether key may make one more request and whether the
// cap has already been exhausted for this window; it also returns the
// seconds remaining until the window resets, for Retry-After.
func (d *dailyCounter) allow(key string) (ok bool, retryAfterSeconds int) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	e, exists := d.items[key]
	if !exists || now.Sub(e.windowStart) >= 24*time.Hour {
		e = &dailyEntry{windowStart: now}
		d.items[key] = e
	}
	if e.count >= d.cap {
		remaining := 24*time.Hour - now.Sub(e.windowStart)
		if remaining < 0 {
			remaining = 0
		}
		return false, int(remaining.Seconds())
	}
	e.count++
	return true, 0
}

// RateLimiter creates a rate limiting middleware keyed by client IP.
func RateLimiter(rps int, burst int) gin.HandlerFunc {
	limiters := &sync.Map{}

	return func(c *gin.Context) {
		key := c.ClientIP()

		limiterI, _ := limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(rps), burst))
		limiter := limiterI.(*rate.Limiter)

		if !limiter.Allow() {
			writeRateLimited(c, "Rate limit exceeded", 60)
			return
		}

		c.Next()
	}
}

// RateLimiterAutoKey enforces spec's {per-ip per-minute cap, per-ip per-day
// cap} pair (per request, keyed by API key when present, else client IP).
// perDay <= 0 disables the daily cap.
func RateLimiterAutoKey(rpm int, burst int, perDay int) gin.HandlerFunc {
	if rpm <= 0 {
		rpm = 10
	}
	if burst <= 0 {
		burst = 20
	}
	minuteLimit := rate.Limit(float64(rpm) / 60.0)
	cache := newTTLLimiterCache(15 * time.Minute)

	var daily *dailyCounter
	if perDay > 0 {
		daily = newDailyCounter(perDay)
	}

	return func(c *gin.Context) {
		key := extractAPIKey(c)
		if key == "" {
			key = c.ClientIP()
		}

		if daily != nil {
			if ok, retryAfter := daily.allow(key); !ok {
				writeRateLimited(c, "Daily rate limit exceeded", retryAfter)
				return
			}
		}

		li := cache.get(key, func() *rate.Limiter { return rate.NewLimiter(minuteLimit, burst) })
		if !li.Allow() {
			writeRateLimited(c, "Rate limit exceeded", 60)
			return
		}
		c.Next()
	}
}

func writeRateLimited(c *gin.Context, message string, retryAfterSeconds int) {
	err := apperrors.NewKind(apperrors.KindUpstreamTransient, 429, "rate_limit_exceeded", "rate_limit_error", message).
		WithDetails(map[string]interface{}{"retry_after": retryAfterSeconds})
	respondError(c, err)
}

func extractAPIKey(c *gin.Context) string {
	if v, ok := c.Get("api_key"); ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.GetHeader("x-goog-api-key")); v != "" {
		return v
	}
	if v, err := c.Cookie("mgmt_session"); err == nil && strings.TrimSpace(v) != "" {
		return v
	}
	return ""
}
