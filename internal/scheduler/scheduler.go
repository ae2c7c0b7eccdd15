// Package scheduler runs the five background tasks the Key Pool Manager,
// Usage Tracker, Context Store, and Cache Metadata Index need on a clock
// rather than on the request path: daily reset, score-cache refresh,
// usage reporting, context sweep, and cache sweep (spec §4.8). Grounded
// on internal/runtime.Supervisor, kept nearly as-is (supervised named
// goroutines, panic recovery, per-task cancel) and pointed at this
// spec's five jobs instead of the teacher's ad-hoc main.go goroutines.
package scheduler

import (
	"context"
	"time"

	"aikeyproxy/internal/cachemeta"
	"aikeyproxy/internal/config"
	"aikeyproxy/internal/contextstore"
	"aikeyproxy/internal/keypool"
	"aikeyproxy/internal/runtime"
	"aikeyproxy/internal/usage"

	log "github.com/sirupsen/logrus"
)

// Scheduler wires the pipeline's long-lived components to a Supervisor
// and starts each periodic job on its configured cadence.
type Scheduler struct {
	cfg  *config.Config
	jobs *runtime.Supervisor

	Keys    *keypool.Manager
	Usage   *usage.Tracker
	Context contextstore.Store
	Cache   cachemeta.Index
	Scores  *keypool.ScoreCache
}

// New builds a Scheduler. cache and ctxStore may be nil if the deployment
// has that feature disabled (spec §4.3/§4.4 are both optional subsystems).
func New(cfg *config.Config, keys *keypool.Manager, tracker *usage.Tracker, ctxStore contextstore.Store, cache cachemeta.Index, scores *keypool.ScoreCache) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		jobs:    runtime.NewSupervisor(context.Background()),
		Keys:    keys,
		Usage:   tracker,
		Context: ctxStore,
		Cache:   cache,
		Scores:  scores,
	}
}

// Start registers and launches every background task. Each task function
// recovers its own errors and logs them; a failing task never stops the
// others or crashes the process (spec §4.8: "task failure never
// propagates out").
func (s *Scheduler) Start() error {
	if err := s.startDailyReset(); err != nil {
		return err
	}
	if err := s.startScoreCacheRefresh(); err != nil {
		return err
	}
	if err := s.startUsageReport(); err != nil {
		return err
	}
	if err := s.startContextSweep(); err != nil {
		return err
	}
	if err := s.startCacheSweep(); err != nil {
		return err
	}
	return nil
}

// Stop cancels every running task and waits for them to exit.
func (s *Scheduler) Stop() {
	s.jobs.StopAll()
	s.jobs.Wait()
}

// Stats reports the supervised jobs' lifecycle state, for the admin jobs
// endpoint.
func (s *Scheduler) Stats() runtime.SupervisorStats {
	return s.jobs.Stats()
}

// startDailyReset fires once at the next quota-timezone midnight, then
// every 24h thereafter. DailyReset on both Keys and Usage is idempotent
// (a duplicate or missed fire just zeroes already-zero counters), so a
// plain fixed 24h ticker after the first delayed run is sufficient —
// no need to recompute the next midnight on drift.
func (s *Scheduler) startDailyReset() error {
	delay := durationUntilNextMidnight(time.Now(), s.cfg.QuotaLocation())
	return s.jobs.StartDelayed("daily-reset", "resets per-day quota counters at quota-timezone midnight", delay, func(ctx context.Context) error {
		s.runDailyReset()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runDailyReset()
			case <-ctx.Done():
				return nil
			}
		}
	})
}

func (s *Scheduler) runDailyReset() {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("scheduler: daily reset panicked")
		}
	}()
	now := time.Now()
	s.Keys.DailyReset(now)
	s.Usage.DailyReset(now)
	log.Info("scheduler: daily reset complete")
}

func durationUntilNextMidnight(now time.Time, loc *time.Location) time.Duration {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next.Sub(local)
}

// startScoreCacheRefresh decays failure weights on
// config.Scheduler.ScoreCacheRefreshSec.
func (s *Scheduler) startScoreCacheRefresh() error {
	interval := time.Duration(s.cfg.Scheduler.ScoreCacheRefreshSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return s.jobs.StartPeriodic("score-cache-refresh", "decays key failure weights", interval, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("scheduler: score cache refresh panicked")
			}
		}()
		s.Scores.Refresh(time.Now())
		return nil
	})
}

// startUsageReport logs a structured summary of pool health on
// config.Scheduler.UsageReportIntervalMinutes, used by operators to size
// the key pool (spec §4.8's usage-report task).
func (s *Scheduler) startUsageReport() error {
	interval := time.Duration(s.cfg.Scheduler.UsageReportIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return s.jobs.StartPeriodic("usage-report", "logs aggregate key pool and usage health", interval, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("scheduler: usage report panicked")
			}
		}()
		s.logUsageReport()
		return nil
	})
}

func (s *Scheduler) logUsageReport() {
	keys := s.Keys.All()
	total := len(keys)
	var enabled, cooldown, quotaExhausted, disabled int
	now := time.Now()
	for _, k := range keys {
		switch k.Snapshot().State {
		case keypool.StateEnabled:
			enabled++
		case keypool.StateCooldown:
			cooldown++
		case keypool.StateQuotaExhausted:
			quotaExhausted++
		case keypool.StateDisabled:
			disabled++
		}
	}
	screening := s.Keys.RecentScreening(50)
	var rejected int
	for _, rec := range screening {
		if !rec.Chosen {
			rejected++
		}
	}
	fields := log.Fields{
		"total_keys":           total,
		"enabled_keys":         enabled,
		"cooldown_keys":        cooldown,
		"quota_exhausted_keys": quotaExhausted,
		"disabled_keys":        disabled,
		"recent_screenings":    len(screening),
		"recent_rejections":    rejected,
	}
	if nearest := s.Keys.NearestCooldownExpiry(now); !nearest.IsZero() {
		fields["nearest_cooldown_expiry"] = nearest.Format(time.RFC3339)
	}
	if total > 0 && enabled == 0 {
		log.WithFields(fields).Warn("scheduler: usage report — no enabled keys remain, consider growing the pool")
		return
	}
	log.WithFields(fields).Info("scheduler: usage report")
}

// startContextSweep removes expired conversation records on
// config.Context.MemoryCleanupIntervalSec. A no-op when no Context
// Store is configured.
func (s *Scheduler) startContextSweep() error {
	if s.Context == nil {
		return nil
	}
	interval := time.Duration(s.cfg.Context.MemoryCleanupIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return s.jobs.StartPeriodic("context-sweep", "removes expired conversation records", interval, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("scheduler: context sweep panicked")
			}
		}()
		n, err := s.Context.SweepExpired()
		if err != nil {
			log.WithError(err).Warn("scheduler: context sweep failed")
			return nil
		}
		if n > 0 {
			log.WithField("removed", n).Info("scheduler: context sweep")
		}
		return nil
	})
}

// startCacheSweep removes expired cache handles on
// config.Scheduler.CacheSweepIntervalSec. A no-op when no Cache
// Metadata Index is configured.
func (s *Scheduler) startCacheSweep() error {
	if s.Cache == nil {
		return nil
	}
	interval := time.Duration(s.cfg.Scheduler.CacheSweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(s.cfg.Cache.RefreshIntervalSec) * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return s.jobs.StartPeriodic("cache-sweep", "removes expired cache handles", interval, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("scheduler: cache sweep panicked")
			}
		}()
		n, err := s.Cache.SweepExpired()
		if err != nil {
			log.WithError(err).Warn("scheduler: cache sweep failed")
			return nil
		}
		if n > 0 {
			log.WithField("removed", n).Info("scheduler: cache sweep")
		}
		return nil
	})
}
