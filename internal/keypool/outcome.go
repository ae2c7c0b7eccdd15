package keypool

import (
	"math"
	"time"

	"aikeyproxy/internal/config"
)

// MarkSuccess records a completed request against the key, clearing its
// transient failure state. Grounded on Credential.MarkSuccess.
func (k *Key) MarkSuccess(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.LastUsedAt = now
	k.totalRequests++
	k.successCount++
	k.consecutiveFails = 0
	for code := range k.errorCodeCounts {
		if k.errorCodeCounts[code] > 0 {
			k.errorCodeCounts[code]--
		}
	}
	k.decayFailureWeightUnsafe(now, true)
	if k.state == StateCooldown && now.After(k.cooldownUntil) {
		k.state = StateEnabled
	}
}

// MarkCooldown demotes the key for a bounded interval after a transient
// upstream failure (5xx, rate-limit 429). Duration grows with consecutive
// cooldowns, capped at cfg.CooldownMaxMS, mirroring the teacher's simple
// exponential cooldown scaffold in strategy_cooldown.go. Once the
// per-status error count or the consecutive-failure count crosses the
// configured auto-ban threshold, the cooldown escalates to the longer
// ban interval instead.
func (k *Key) MarkCooldown(now time.Time, statusCode int, cfg config.KeyPoolConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.totalRequests++
	k.consecutiveFails++
	k.countErrorCodeUnsafe(statusCode)
	k.addFailureWeightUnsafe(now, statusCode)

	base := time.Duration(cfg.CooldownBaseMS) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDur := time.Duration(cfg.CooldownMaxMS) * time.Millisecond
	if maxDur <= 0 {
		maxDur = 60 * time.Second
	}
	factor := math.Pow(2, float64(k.consecutiveFails-1))
	dur := time.Duration(float64(base) * factor)
	if dur > maxDur {
		dur = maxDur
	}
	if ban := k.transientBanDurationUnsafe(statusCode, cfg.AutoBan); ban > dur {
		dur = ban
	}
	k.state = StateCooldown
	k.cooldownUntil = now.Add(dur)
}

// transientBanDurationUnsafe returns the teacher's escalated ban interval
// when a transient status has repeated past its auto-ban threshold, or
// zero if no threshold has been crossed.
func (k *Key) transientBanDurationUnsafe(statusCode int, ab config.AutoBanConfig) time.Duration {
	if !ab.Enabled {
		return 0
	}
	switch {
	case statusCode == 429 && k.errorCodeCounts[429] >= thresholdOrDefault(ab.Threshold429, 5):
		return 30 * time.Minute
	case statusCode >= 500 && k.errorCodeCounts[500]+k.errorCodeCounts[502]+k.errorCodeCounts[503] >= thresholdOrDefault(ab.Threshold5xx, 8):
		return 15 * time.Minute
	case k.consecutiveFails >= thresholdOrDefault(ab.ConsecutiveFailLimit, 10):
		return time.Hour
	}
	return 0
}

// MarkQuotaExhausted takes the key out of rotation until the next daily
// reset (a 429 carrying a daily-quota signal, not a rate-limit signal).
func (k *Key) MarkQuotaExhausted(now, resetAt time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.totalRequests++
	k.state = StateQuotaExhausted
	k.quotaResetAt = resetAt
}

// MarkFatal records a fatal upstream rejection — a 400-invalid/401/403
// attributable to the key itself, not to the request content. A 400
// (invalid key secret) disables the key outright: a bad secret never
// recovers. With auto-ban enabled, a 401/403 first takes the key out of
// rotation for a bounded ban interval and only disables it once the
// per-status count or consecutive-failure count crosses the configured
// threshold — the data model's "repeated fatal rejection" transition,
// with the teacher's thresholds and ban durations. With auto-ban
// disabled, any fatal rejection disables immediately.
func (k *Key) MarkFatal(now time.Time, statusCode int, reason string, cfg config.KeyPoolConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.totalRequests++
	k.consecutiveFails++
	k.countErrorCodeUnsafe(statusCode)
	k.addFailureWeightUnsafe(now, statusCode)

	ab := cfg.AutoBan
	if !ab.Enabled || k.fatalThresholdCrossedUnsafe(statusCode, ab) {
		k.Enabled = false
		k.state = StateDisabled
		k.disabledReason = reason
		return
	}
	ban := time.Hour
	if statusCode == 401 {
		ban = 2 * time.Hour
	}
	k.state = StateCooldown
	k.cooldownUntil = now.Add(ban)
}

// fatalThresholdCrossedUnsafe reports whether a fatal rejection should
// disable the key rather than ban it temporarily. Anything other than a
// repeated-count-tracked 401/403 (i.e. an invalid-key 400) always
// crosses.
func (k *Key) fatalThresholdCrossedUnsafe(statusCode int, ab config.AutoBanConfig) bool {
	if k.consecutiveFails >= thresholdOrDefault(ab.ConsecutiveFailLimit, 10) {
		return true
	}
	switch statusCode {
	case 401:
		return k.errorCodeCounts[401] >= thresholdOrDefault(ab.Threshold401, 3)
	case 403:
		return k.errorCodeCounts[403] >= thresholdOrDefault(ab.Threshold403, 3)
	default:
		return true
	}
}

func (k *Key) countErrorCodeUnsafe(statusCode int) {
	if statusCode <= 0 {
		return
	}
	if k.errorCodeCounts == nil {
		k.errorCodeCounts = make(map[int]int)
	}
	k.errorCodeCounts[statusCode]++
}

func thresholdOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// DailyReset clears quota exhaustion and the consecutive-failure and
// per-status error counts at the start of a new quota day. A running
// cooldown is left to expire, and an explicit admin/fatal disable is never
// cleared.
func (k *Key) DailyReset(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == StateQuotaExhausted {
		k.state = StateEnabled
	}
	k.consecutiveFails = 0
	k.errorCodeCounts = make(map[int]int)
}

// currentFailureWeight settles the decay and returns the key's live
// failure weight, read by Score.
func (k *Key) currentFailureWeight(now time.Time) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.decayFailureWeightUnsafe(now, false)
	return k.failureWeight
}

func (k *Key) addFailureWeightUnsafe(now time.Time, statusCode int) {
	k.decayFailureWeightUnsafe(now, false)
	k.failureWeight += severityForStatus(statusCode)
	if k.failureWeight > 10 {
		k.failureWeight = 10
	}
	k.lastFailureWeightDecay = now
}

func (k *Key) decayFailureWeightUnsafe(now time.Time, aggressive bool) {
	if k.failureWeight <= 0 {
		k.lastFailureWeightDecay = now
		return
	}
	if k.lastFailureWeightDecay.IsZero() {
		k.lastFailureWeightDecay = now
		return
	}
	elapsed := now.Sub(k.lastFailureWeightDecay)
	if elapsed <= 0 {
		return
	}
	halfLife := 10 * time.Minute
	if aggressive {
		halfLife = 5 * time.Minute
	}
	decay := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	k.failureWeight *= decay
	if k.failureWeight < 0.05 {
		k.failureWeight = 0
	}
	k.lastFailureWeightDecay = now
}

var failureSeverityWeights = map[int]float64{
	429: 2.5,
	403: 1.8,
	401: 2.2,
	500: 1.2,
	502: 1.2,
	503: 1.2,
}

func severityForStatus(code int) float64 {
	if w, ok := failureSeverityWeights[code]; ok {
		return w
	}
	if code >= 500 && code < 600 {
		return 1.0
	}
	if code >= 400 && code < 500 {
		return 0.8
	}
	return 0.5
}
