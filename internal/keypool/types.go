// Package keypool holds the pool of upstream API keys, their per-model
// health scores, and the selection algorithm the dispatch pipeline uses to
// pick one. Shape (per-record mutex, auto-ban thresholds, decaying failure
// weight, cooldown/sticky maps) is carried over from the teacher's
// internal/credential and internal/upstream/strategy packages; the score
// formula itself is new.
package keypool

import (
	"sync"
	"time"
)

// State is the lifecycle state of an UpstreamKey.
type State string

const (
	StateEnabled        State = "enabled"
	StateDisabled        State = "disabled"        // fatal rejection (400-invalid/401/403)
	StateQuotaExhausted   State = "quota_exhausted" // 429-daily, until next reset
	StateCooldown        State = "cooldown"         // transient demotion (5xx/429-rate)
)

// Key is a single pooled upstream API key plus its live runtime state.
// Mirrors the shape of the teacher's Credential, retargeted from OAuth
// onboarding state to a plain bearer secret.
type Key struct {
	ID                       string
	Secret                   string
	Description              string
	Enabled                  bool
	CreatedAt                time.Time
	ExpiresAt                time.Time
	ContextCompletionEnabled bool
	LastUsedAt               time.Time

	mu sync.RWMutex

	state        State
	cooldownUntil time.Time
	quotaResetAt  time.Time

	disabledReason string

	// failureWeight decays over time and suppresses the score the same
	// way the teacher's Credential.FailureWeight does.
	failureWeight         float64
	lastFailureWeightDecay time.Time
	consecutiveFails      int

	errorCodeCounts map[int]int

	totalRequests int64
	successCount  int64
}

// NewKey constructs a Key in the enabled state.
func NewKey(id, secret, description string, contextCompletionEnabled bool) *Key {
	return &Key{
		ID:                       id,
		Secret:                   secret,
		Description:              description,
		Enabled:                  true,
		CreatedAt:                time.Now(),
		ContextCompletionEnabled: contextCompletionEnabled,
		state:                    StateEnabled,
		errorCodeCounts:          make(map[int]int),
	}
}

// Snapshot is an immutable, lock-free view of a Key for reporting/admin use.
type Snapshot struct {
	ID                       string    `json:"id"`
	Description              string    `json:"description"`
	Enabled                  bool      `json:"enabled"`
	State                    State     `json:"state"`
	LastUsedAt               time.Time `json:"last_used_at,omitempty"`
	ConsecutiveFails         int       `json:"consecutive_fails"`
	DisabledReason           string    `json:"disabled_reason,omitempty"`
	ContextCompletionEnabled bool      `json:"context_completion_enabled"`
}

// Snapshot renders the current runtime state without secrets.
func (k *Key) Snapshot() Snapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return Snapshot{
		ID:                       k.ID,
		Description:              k.Description,
		Enabled:                  k.Enabled,
		State:                    k.effectiveStateUnsafe(time.Now()),
		LastUsedAt:               k.LastUsedAt,
		ConsecutiveFails:         k.consecutiveFails,
		DisabledReason:           k.disabledReason,
		ContextCompletionEnabled: k.ContextCompletionEnabled,
	}
}

// effectiveStateUnsafe resolves cooldown/quota-exhaustion expiry lazily,
// the way the teacher's CanRecover/IsHealthy pair does for auto-ban.
func (k *Key) effectiveStateUnsafe(now time.Time) State {
	if !k.Enabled {
		return StateDisabled
	}
	switch k.state {
	case StateCooldown:
		if now.After(k.cooldownUntil) {
			return StateEnabled
		}
		return StateCooldown
	case StateQuotaExhausted:
		if now.After(k.quotaResetAt) {
			return StateEnabled
		}
		return StateQuotaExhausted
	case StateDisabled:
		return StateDisabled
	default:
		return StateEnabled
	}
}

// EffectiveState resolves cooldown/quota-exhaustion expiry as of now.
func (k *Key) EffectiveState(now time.Time) State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.effectiveStateUnsafe(now)
}

// IsEligible reports whether the key may currently be considered for
// selection (not disabled, not cooled down, not quota-exhausted today).
func (k *Key) IsEligible(now time.Time) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.effectiveStateUnsafe(now) == StateEnabled
}

// CooldownRemaining returns how long the key is still cooling down for, or
// zero if it is not in cooldown. Used to derive Retry-After on 503s.
func (k *Key) CooldownRemaining(now time.Time) time.Duration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.state != StateCooldown || now.After(k.cooldownUntil) {
		return 0
	}
	return k.cooldownUntil.Sub(now)
}
