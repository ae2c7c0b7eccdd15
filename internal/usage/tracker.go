package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aikeyproxy/internal/limits"
	log "github.com/sirupsen/logrus"
)

// Tracker implements the Usage Tracker component: record_request,
// snapshot, would_exceed, daily_reset, plus the RemainingRatios query the
// Key Pool Manager's scoring formula reads. One counterSet is kept per
// (key_id, model_id) pair, each with its own mutex so concurrent requests
// against different keys never contend.
type Tracker struct {
	registry *limits.Registry
	loc      *time.Location
	storage  Storage

	mu       sync.RWMutex
	counters map[string]*counterSet

	persistInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// Storage persists counter snapshots across restarts. A nil Storage makes
// the Tracker purely in-memory (acceptable: undercounting after a crash
// only makes the pool briefly more conservative, never less).
type Storage interface {
	LoadCounters(ctx context.Context) (map[string]PersistedCounter, error)
	SaveCounters(ctx context.Context, counters map[string]PersistedCounter) error
}

// PersistedCounter is the durable projection of a counterSet: the sliding
// windows are not persisted (they naturally empty within 60s of restart),
// only the calendar counters that must survive a restart mid-day.
type PersistedCounter struct {
	RPDCount      int64     `json:"rpd_count"`
	TPDInputCount int64     `json:"tpd_input_count"`
	LastResetDay  string    `json:"last_reset_day"`
	LastUsed      time.Time `json:"last_used"`
}

// NewTracker constructs a Tracker scoped to loc for calendar-day
// boundaries (spec §9: the quota timezone is a configurable Open
// Question, resolved via config.Config.QuotaLocation).
func NewTracker(registry *limits.Registry, loc *time.Location, storage Storage) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		registry:        registry,
		loc:             loc,
		storage:         storage,
		counters:        make(map[string]*counterSet),
		persistInterval: 60 * time.Second,
		stopCh:          make(chan struct{}),
	}
}

func counterKey(keyID, modelID string) string {
	return keyID + "\x00" + modelID
}

func (t *Tracker) getOrCreate(keyID, modelID string) *counterSet {
	k := counterKey(keyID, modelID)
	t.mu.RLock()
	c, ok := t.counters[k]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.counters[k]; ok {
		return c
	}
	c = &counterSet{lastResetDay: t.today()}
	t.counters[k] = c
	return c
}

func (t *Tracker) today() string {
	return time.Now().In(t.loc).Format("2006-01-02")
}

// RecordRequest appends to the RPM/TPM sliding windows and increments the
// RPD/TPD calendar counters for (key_id, model_id).
func (t *Tracker) RecordRequest(keyID, modelID string, inputTokens int, when time.Time) {
	c := t.getOrCreate(keyID, modelID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredUnsafe(when)
	c.rollDayUnsafe(when, t.loc)

	c.rpmWindow = append(c.rpmWindow, when)
	c.tpmInputWindow = append(c.tpmInputWindow, tokenEntry{at: when, tokens: inputTokens})
	c.rpdCount++
	c.tpdInputCount += int64(inputTokens)
	c.lastUsed = when
}

// rollDayUnsafe advances the calendar counters to zero if the quota day
// has turned over since the last observation on this counter. This makes
// daily_reset implicitly idempotent per-counter even if the scheduler's
// explicit DailyReset call is delayed or missed for a cold counter.
func (c *counterSet) rollDayUnsafe(now time.Time, loc *time.Location) {
	day := now.In(loc).Format("2006-01-02")
	if c.lastResetDay == "" {
		c.lastResetDay = day
		return
	}
	if day != c.lastResetDay {
		c.rpdCount = 0
		c.tpdInputCount = 0
		c.lastResetDay = day
	}
}

// Snapshot returns a read-consistent sample, evicting expired sliding
// window entries as a side effect.
func (t *Tracker) Snapshot(keyID, modelID string) Snapshot {
	c := t.getOrCreate(keyID, modelID)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.evictExpiredUnsafe(now)
	c.rollDayUnsafe(now, t.loc)
	return Snapshot{
		RPMUsed:      c.rpmUsedUnsafe(),
		RPDUsed:      c.rpdCount,
		TPMInputUsed: c.tpmInputUsedUnsafe(),
		TPDInputUsed: c.tpdInputCount,
		LastUsed:     c.lastUsed,
	}
}

// WouldExceed reports which limits, if any, one more call of the given
// size would breach, without mutating any counter.
func (t *Tracker) WouldExceed(keyID, modelID string, additionalInputTokens int) Exceeded {
	limit, ok := t.registry.Lookup(modelID)
	if !ok {
		return Exceeded{}
	}
	snap := t.Snapshot(keyID, modelID)
	var e Exceeded
	if limit.RPM > 0 && snap.RPMUsed+1 > limit.RPM {
		e.RPM = true
	}
	if limit.RPD > 0 && snap.RPDUsed+1 > int64(limit.RPD) {
		e.RPD = true
	}
	if limit.TPMInput > 0 && snap.TPMInputUsed+additionalInputTokens > limit.TPMInput {
		e.TPM = true
	}
	if limit.TPDInput > 0 && snap.TPDInputUsed+int64(additionalInputTokens) > int64(limit.TPDInput) {
		e.TPD = true
	}
	return e
}

// WouldExceedAny reports whether one more call of the given size would
// breach any limit, without mutating any counter. Exposed as a plain bool
// so keypool.Manager can duck-type against it without importing this
// package (UsageSource only declares RemainingRatios).
func (t *Tracker) WouldExceedAny(keyID, modelID string, additionalInputTokens int) bool {
	return t.WouldExceed(keyID, modelID, additionalInputTokens).Any()
}

// WouldExceedDims is the per-dimension sibling of WouldExceedAny, also
// consumed via duck-typing by keypool.Manager so its screening records can
// name the limit that disqualified a key.
func (t *Tracker) WouldExceedDims(keyID, modelID string, additionalInputTokens int) (rpm, rpd, tpm, tpd bool) {
	e := t.WouldExceed(keyID, modelID, additionalInputTokens)
	return e.RPM, e.RPD, e.TPM, e.TPD
}

// RemainingRatios implements keypool.UsageSource: remaining/limit for each
// dimension, clamped to [0,1]. A model absent from the registry is
// treated as unconstrained (ratio 1 on every dimension).
func (t *Tracker) RemainingRatios(keyID, modelID string) (rpd, tpd, rpm, tpm float64, ok bool) {
	limit, known := t.registry.Lookup(modelID)
	if !known {
		return 1, 1, 1, 1, true
	}
	snap := t.Snapshot(keyID, modelID)
	rpd = remainingRatio(limit.RPD, snap.RPDUsed)
	tpd = remainingRatio(limit.TPDInput, snap.TPDInputUsed)
	rpm = remainingRatio(limit.RPM, int64(snap.RPMUsed))
	tpm = remainingRatio(limit.TPMInput, int64(snap.TPMInputUsed))
	return rpd, tpd, rpm, tpm, true
}

func remainingRatio(limit int, used int64) float64 {
	if limit <= 0 {
		return 1
	}
	remaining := float64(limit) - float64(used)
	if remaining < 0 {
		remaining = 0
	}
	ratio := remaining / float64(limit)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// DailyReset zeroes every counter's RPD/TPD totals and advances
// last_reset_day, idempotently. Invoked by the scheduler at the
// calendar-day boundary in the configured quota timezone.
func (t *Tracker) DailyReset(now time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	day := now.In(t.loc).Format("2006-01-02")
	for _, c := range t.counters {
		c.mu.Lock()
		if c.lastResetDay != day {
			c.rpdCount = 0
			c.tpdInputCount = 0
			c.lastResetDay = day
		}
		c.mu.Unlock()
	}
}

// Start loads any persisted calendar counters and begins the background
// persistence worker.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.loadFromStorage(ctx); err != nil {
		log.WithError(err).Warn("usage: failed to load persisted counters, starting fresh")
	}
	t.wg.Add(1)
	go t.persistWorker(ctx)
	return nil
}

// Stop halts the persistence worker and flushes a final snapshot.
func (t *Tracker) Stop(ctx context.Context) error {
	close(t.stopCh)
	t.wg.Wait()
	return t.saveToStorage(ctx)
}

func (t *Tracker) persistWorker(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.saveToStorage(ctx); err != nil {
				log.WithError(err).Error("usage: failed to persist counters")
			}
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) loadFromStorage(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	loaded, err := t.storage.LoadCounters(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, pc := range loaded {
		t.counters[key] = &counterSet{
			rpdCount:      pc.RPDCount,
			tpdInputCount: pc.TPDInputCount,
			lastResetDay:  pc.LastResetDay,
			lastUsed:      pc.LastUsed,
		}
	}
	log.WithField("counters", len(loaded)).Info("usage: loaded persisted counters")
	return nil
}

func (t *Tracker) saveToStorage(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	t.mu.RLock()
	out := make(map[string]PersistedCounter, len(t.counters))
	for key, c := range t.counters {
		c.mu.Lock()
		out[key] = PersistedCounter{
			RPDCount:      c.rpdCount,
			TPDInputCount: c.tpdInputCount,
			LastResetDay:  c.lastResetDay,
			LastUsed:      c.lastUsed,
		}
		c.mu.Unlock()
	}
	t.mu.RUnlock()
	return t.storage.SaveCounters(ctx, out)
}

// ParseCounterKey splits a persisted map key back into (key_id, model_id).
// BackendStorage stores the combined key as-is and does not call it.
func ParseCounterKey(key string) (keyID, modelID string, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("usage: malformed counter key %q", key)
}
