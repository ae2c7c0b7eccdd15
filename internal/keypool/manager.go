package keypool

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"aikeyproxy/internal/config"
)

// ScreeningReason tags why a key was skipped during selection, for the
// diagnostic ring buffer the usage reporter reads.
type ScreeningReason string

const (
	ReasonNotFound               ScreeningReason = "not_found"
	ReasonRPMExceeded            ScreeningReason = "rpm_exceeded"
	ReasonRPDExceeded            ScreeningReason = "rpd_exceeded"
	ReasonTPMPreCheckFailed      ScreeningReason = "tpm_pre_token_check_failed"
	ReasonTPDPreCheckFailed      ScreeningReason = "tpd_pre_token_check_failed"
	ReasonDisabled               ScreeningReason = "disabled"
	ReasonCooldown               ScreeningReason = "cooldown"
	ReasonScoreTooLow            ScreeningReason = "score_too_low"
)

// ScreeningRecord is one ring-buffer entry: a key considered and skipped,
// or chosen, during a single selection call.
type ScreeningRecord struct {
	Time   time.Time       `json:"time"`
	KeyID  string          `json:"key_id"`
	Reason ScreeningReason `json:"reason,omitempty"`
	Chosen bool            `json:"chosen"`
}

type stickyEntry struct {
	keyID   string
	expires time.Time
}

// Manager owns the pool of keys and the selection algorithm. Mutex shape
// (per-key lock for state, a pool-wide RWMutex for the key map, plain
// mutexes for the sticky and screening maps) mirrors the teacher's credential.Manager + upstream/strategy.Strategy
// split.
type Manager struct {
	cfg   config.KeyPoolConfig
	usage UsageSource

	mu   sync.RWMutex
	keys map[string]*Key

	stickyMu sync.Mutex
	sticky   map[string]stickyEntry

	logMu   sync.Mutex
	screening []ScreeningRecord
	screeningCap int
}

// NewManager constructs an empty pool; keys are added via Add (memory mode
// seeds them at startup; database mode loads them from MongoDB).
func NewManager(cfg config.KeyPoolConfig, usage UsageSource) *Manager {
	cap := 500
	return &Manager{
		cfg:          cfg,
		usage:        usage,
		keys:         make(map[string]*Key),
		sticky:       make(map[string]stickyEntry),
		screeningCap: cap,
	}
}

// Add registers a key in the pool, replacing any existing key with the
// same ID.
func (m *Manager) Add(k *Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.ID] = k
}

// Remove deletes a key from the pool (admin delete; destroys, not disables).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
}

// Get returns a key by ID.
func (m *Manager) Get(id string) (*Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	return k, ok
}

// All returns every pooled key. Order is unspecified.
func (m *Manager) All() []*Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out
}

// Select implements the spec's selection algorithm for (model_id,
// estimated_input_tokens, optional cache_handle owner, optional sticky
// credential):
//  1. If a cache-bound owning key is supplied, eligible, and passes
//     pre-flight, return it directly.
//  2. Else if sticky sessions are enabled and the credential has a
//     recorded last-used key that is eligible, return it.
//  3. Else rank all keys by Score descending; among the top band (keys
//     within TopBandPercent of the best score), pick the oldest
//     last_used_at (LRU tiebreak); if tied, choose randomly.
func (m *Manager) Select(now time.Time, modelID string, estimatedInputTokens int, owningKeyID, stickyCredentialID string) (*Key, []ScreeningRecord) {
	var trace []ScreeningRecord

	if owningKeyID != "" {
		k, ok := m.Get(owningKeyID)
		switch {
		case !ok:
			trace = append(trace, ScreeningRecord{Time: now, KeyID: owningKeyID, Reason: ReasonNotFound})
		case !k.IsEligible(now):
			trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Reason: ineligibilityReason(k, now)})
		default:
			if ok, reason := m.preflight(k, modelID, estimatedInputTokens); !ok {
				trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Reason: reason})
			} else {
				trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Chosen: true})
				m.recordScreening(trace)
				return k, trace
			}
		}
	}

	if m.cfg.StickySessions && stickyCredentialID != "" {
		if id, ok := m.getSticky(stickyCredentialID); ok {
			if k, exists := m.Get(id); exists && k.IsEligible(now) {
				if ok, _ := m.preflight(k, modelID, estimatedInputTokens); ok {
					trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Chosen: true})
					m.recordScreening(trace)
					return k, trace
				}
			}
		}
	}

	type scored struct {
		key   *Key
		score float64
	}
	var candidates []scored
	best := math.Inf(-1)

	for _, k := range m.All() {
		if !k.IsEligible(now) {
			trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Reason: ineligibilityReason(k, now)})
			continue
		}
		if ok, reason := m.preflight(k, modelID, estimatedInputTokens); !ok {
			trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Reason: reason})
			continue
		}
		sc := Score(k, modelID, m.usage, m.cfg, now)
		if math.IsInf(sc, -1) {
			trace = append(trace, ScreeningRecord{Time: now, KeyID: k.ID, Reason: ReasonScoreTooLow})
			continue
		}
		candidates = append(candidates, scored{key: k, score: sc})
		if sc > best {
			best = sc
		}
	}

	if len(candidates) == 0 {
		m.recordScreening(trace)
		return nil, trace
	}

	band := m.cfg.TopBandPercent
	if band <= 0 {
		band = 0.10
	}
	threshold := best * (1 - band)
	var topBand []*Key
	for _, c := range candidates {
		if c.score >= threshold {
			topBand = append(topBand, c.key)
		}
	}

	picked := pickLRUWithRandomTiebreak(topBand)
	picked.mu.Lock()
	picked.LastUsedAt = now
	picked.mu.Unlock()

	if m.cfg.StickySessions && stickyCredentialID != "" {
		ttl := time.Duration(m.cfg.StickyTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		m.setSticky(stickyCredentialID, picked.ID, now.Add(ttl))
	}

	trace = append(trace, ScreeningRecord{Time: now, KeyID: picked.ID, Chosen: true})
	m.recordScreening(trace)
	return picked, trace
}

// preflight runs the fresh would_exceed check the spec requires even when
// the cached score looked positive (§4.5: "a fresh would_exceed check is
// always run even if the cached score is positive"). The richer per-dimension
// interface is preferred when the UsageSource offers it, so screening records
// name the actual limit that disqualified the key.
func (m *Manager) preflight(k *Key, modelID string, estimatedInputTokens int) (bool, ScreeningReason) {
	switch src := m.usage.(type) {
	case interface {
		WouldExceedDims(keyID, modelID string, estimatedInputTokens int) (rpm, rpd, tpm, tpd bool)
	}:
		rpm, rpd, tpm, tpd := src.WouldExceedDims(k.ID, modelID, estimatedInputTokens)
		switch {
		case rpm:
			return false, ReasonRPMExceeded
		case rpd:
			return false, ReasonRPDExceeded
		case tpm:
			return false, ReasonTPMPreCheckFailed
		case tpd:
			return false, ReasonTPDPreCheckFailed
		}
	case interface {
		WouldExceedAny(keyID, modelID string, estimatedInputTokens int) bool
	}:
		if src.WouldExceedAny(k.ID, modelID, estimatedInputTokens) {
			return false, ReasonTPMPreCheckFailed
		}
	}
	return true, ""
}

// ineligibilityReason maps a key's current non-enabled state onto the
// screening taxonomy: a quota-exhausted key reads as rpd_exceeded, an
// admin/fatal disable as disabled, everything else as cooldown.
func ineligibilityReason(k *Key, now time.Time) ScreeningReason {
	switch k.EffectiveState(now) {
	case StateDisabled:
		return ReasonDisabled
	case StateQuotaExhausted:
		return ReasonRPDExceeded
	default:
		return ReasonCooldown
	}
}

func pickLRUWithRandomTiebreak(keys []*Key) *Key {
	if len(keys) == 1 {
		return keys[0]
	}
	oldest := keys[0].LastUsedAt
	var tied []*Key
	for _, k := range keys {
		if k.LastUsedAt.Before(oldest) {
			oldest = k.LastUsedAt
		}
	}
	for _, k := range keys {
		if k.LastUsedAt.Equal(oldest) {
			tied = append(tied, k)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rand.Intn(len(tied))]
}

func (m *Manager) getSticky(credentialID string) (string, bool) {
	m.stickyMu.Lock()
	defer m.stickyMu.Unlock()
	e, ok := m.sticky[credentialID]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.keyID, true
}

func (m *Manager) setSticky(credentialID, keyID string, expires time.Time) {
	m.stickyMu.Lock()
	defer m.stickyMu.Unlock()
	m.sticky[credentialID] = stickyEntry{keyID: keyID, expires: expires}
}

func (m *Manager) recordScreening(recs []ScreeningRecord) {
	if len(recs) == 0 {
		return
	}
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.screening = append(m.screening, recs...)
	if over := len(m.screening) - m.screeningCap; over > 0 {
		m.screening = m.screening[over:]
	}
}

// RecentScreening returns up to n of the most recent screening records.
func (m *Manager) RecentScreening(n int) []ScreeningRecord {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	if n <= 0 || n > len(m.screening) {
		n = len(m.screening)
	}
	out := make([]ScreeningRecord, n)
	copy(out, m.screening[len(m.screening)-n:])
	return out
}

// NearestCooldownExpiry returns the soonest time any currently-cooled-down
// key becomes eligible again, used to derive Retry-After on a 503. Returns
// zero if no key is in cooldown.
func (m *Manager) NearestCooldownExpiry(now time.Time) time.Time {
	var nearest time.Time
	for _, k := range m.All() {
		k.mu.RLock()
		if k.state == StateCooldown && now.Before(k.cooldownUntil) {
			if nearest.IsZero() || k.cooldownUntil.Before(nearest) {
				nearest = k.cooldownUntil
			}
		}
		k.mu.RUnlock()
	}
	return nearest
}

// ContextEnabledForCredential answers whether the Dispatch Pipeline
// should load/persist conversation context for credential before a key
// has actually been selected (spec §4.7 step 6 runs before step 7's
// selection). When sticky sessions are off, or the credential has no
// sticky key yet, there is no way to know which key will ultimately
// serve the request, so this defaults to enabled; once a sticky mapping
// exists it defers to that key's admin-configured flag.
func (m *Manager) ContextEnabledForCredential(credentialID string) bool {
	if !m.cfg.StickySessions || credentialID == "" {
		return true
	}
	id, ok := m.getSticky(credentialID)
	if !ok {
		return true
	}
	k, ok := m.Get(id)
	if !ok {
		return true
	}
	return k.ContextCompletionEnabled
}

// StickyKeyFor returns the credential's current sticky key id, if any.
func (m *Manager) StickyKeyFor(credentialID string) (string, bool) {
	return m.getSticky(credentialID)
}

// DailyReset applies DailyReset to every pooled key; called by the
// scheduler's daily-reset task at the configured quota-timezone boundary.
func (m *Manager) DailyReset(now time.Time) {
	for _, k := range m.All() {
		k.DailyReset(now)
	}
}
