package keypool

import (
	"math"
	"time"

	"aikeyproxy/internal/config"
)

// UsageSource answers the remaining-capacity ratios a key needs scored
// against model m. Each ratio is remaining/limit, clamped to [0,1]; a
// ratio of 0 means that dimension is fully consumed. Implemented by
// internal/usage.Tracker.
type UsageSource interface {
	RemainingRatios(keyID, modelID string) (rpd, tpd, rpm, tpm float64, ok bool)
}

// failureWeightPenalty scales the key's decaying failure weight (0..10)
// into the score's 0..1 range, so recent failures demote a key without
// making it ineligible outright.
const failureWeightPenalty = 0.05

// Score computes the health score of key k for model m per the weighted
// formula: w_rpd*r_rpd + w_tpd*r_tpd + w_rpm*r_rpm + w_tpm*r_tpm, minus
// a penalty for the key's decaying failure weight. Any dimension at
// exactly 0, or the key being disabled/cooled-down/quota-exhausted,
// yields negative infinity (ineligible).
func Score(k *Key, modelID string, usage UsageSource, weights config.KeyPoolConfig, now time.Time) float64 {
	if !k.IsEligible(now) {
		return math.Inf(-1)
	}
	rpd, tpd, rpm, tpm, ok := usage.RemainingRatios(k.ID, modelID)
	if !ok {
		// No usage record yet for this (key, model) pair: full capacity.
		rpd, tpd, rpm, tpm = 1, 1, 1, 1
	}
	if rpd <= 0 || tpd <= 0 || rpm <= 0 || tpm <= 0 {
		return math.Inf(-1)
	}
	score := weights.WeightRPD*rpd + weights.WeightTPD*tpd + weights.WeightRPM*rpm + weights.WeightTPM*tpm
	score -= failureWeightPenalty * k.currentFailureWeight(now)
	if score < 0 {
		score = 0
	}
	return score
}

// ScoreCache is the scheduler's handle for periodic score upkeep, run on
// config.Scheduler.ScoreCacheRefreshSec. It keeps no snapshot of scores:
// selection computes Score for each candidate key on every call.
type ScoreCache struct {
	mgr    *Manager
	usage  UsageSource
	cfg    config.KeyPoolConfig
}

// NewScoreCache binds a Manager and UsageSource for periodic refresh.
// The cache itself is stateless: scores are cheap enough to compute from
// Usage snapshots on every read, so "refresh" below just settles every
// key's failure-weight decay and lets expired cooldown/quota windows
// resolve lazily on the next eligibility check.
func NewScoreCache(mgr *Manager, usage UsageSource, cfg config.KeyPoolConfig) *ScoreCache {
	return &ScoreCache{mgr: mgr, usage: usage, cfg: cfg}
}

// Refresh forces every pooled key's decaying failure weight to settle.
// Cooldown and quota windows are not touched here. Invoked by the
// scheduler task on the configured interval.
func (sc *ScoreCache) Refresh(now time.Time) {
	for _, k := range sc.mgr.All() {
		k.mu.Lock()
		k.decayFailureWeightUnsafe(now, false)
		k.mu.Unlock()
	}
}
