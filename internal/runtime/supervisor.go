// Package runtime supervises the proxy's named background jobs: daily
// quota resets, score-cache refresh, usage reporting, and the context/cache
// sweepers (spec §4.8). A job runs until its context is canceled, recovers
// its own panics, and reports its terminal status for the admin jobs
// endpoint rather than crashing the process.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Job is one supervised background goroutine.
type Job struct {
	Name        string
	Description string
	StartTime   time.Time
	Status      JobStatus
	Error       error
	cancel      context.CancelFunc
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusRunning  JobStatus = "running"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// JobFunc is the body of a supervised job.
type JobFunc func(ctx context.Context) error

// Supervisor manages the lifecycle of the proxy's named background jobs.
type Supervisor struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a Supervisor bound to ctx; canceling ctx (or
// calling StopAll) stops every job it has started.
func NewSupervisor(ctx context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches a new named job. Starting a name twice is an error — the
// scheduler's five jobs are each started exactly once at boot.
func (s *Supervisor) Start(name, description string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}

	jobCtx, jobCancel := context.WithCancel(s.ctx)
	job := &Job{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      JobStatusRunning,
		cancel:      jobCancel,
	}
	s.jobs[name] = job

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"job":   name,
					"panic": r,
				}).Error("job panicked")
				s.mu.Lock()
				job.Status = JobStatusFailed
				job.Error = fmt.Errorf("panic: %v", r)
				s.mu.Unlock()
			}
		}()

		log.WithFields(log.Fields{
			"job":         name,
			"description": description,
		}).Info("job started")

		err := fn(jobCtx)

		s.mu.Lock()
		if err != nil {
			if jobCtx.Err() == context.Canceled {
				job.Status = JobStatusCanceled
			} else {
				job.Status = JobStatusFailed
				job.Error = err
				log.WithFields(log.Fields{
					"job":   name,
					"error": err,
				}).Error("job failed")
			}
		} else {
			job.Status = JobStatusStopped
			log.WithFields(log.Fields{"job": name}).Info("job stopped")
		}
		s.mu.Unlock()
	}()

	return nil
}

// StopAll cancels every running job.
func (s *Supervisor) StopAll() {
	s.cancel()
}

// Wait blocks until every job has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Stats summarizes job counts by status, for the admin jobs endpoint.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SupervisorStats{Total: len(s.jobs), Jobs: make([]JobSnapshot, 0, len(s.jobs))}
	for _, job := range s.jobs {
		switch job.Status {
		case JobStatusRunning:
			stats.Running++
		case JobStatusStopped:
			stats.Stopped++
		case JobStatusFailed:
			stats.Failed++
		case JobStatusCanceled:
			stats.Canceled++
		}
		snap := JobSnapshot{
			Name:        job.Name,
			Description: job.Description,
			StartTime:   job.StartTime,
			Status:      job.Status,
		}
		if job.Error != nil {
			snap.Error = job.Error.Error()
		}
		stats.Jobs = append(stats.Jobs, snap)
	}
	return stats
}

// JobSnapshot is a point-in-time, race-free copy of a Job for reporting.
type JobSnapshot struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// SupervisorStats summarizes job counts by status.
type SupervisorStats struct {
	Total    int           `json:"total"`
	Running  int           `json:"running"`
	Stopped  int           `json:"stopped"`
	Failed   int           `json:"failed"`
	Canceled int           `json:"canceled"`
	Jobs     []JobSnapshot `json:"jobs"`
}

// StartPeriodic starts a job that runs fn immediately and then again every
// interval until the Supervisor is stopped.
func (s *Supervisor) StartPeriodic(name, description string, interval time.Duration, fn func(ctx context.Context) error) error {
	return s.Start(name, description, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := fn(ctx); err != nil {
			log.WithFields(log.Fields{"job": name, "error": err}).Warn("periodic job execution failed")
		}

		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.WithFields(log.Fields{"job": name, "error": err}).Warn("periodic job execution failed")
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// StartDelayed starts a job after delay has elapsed.
func (s *Supervisor) StartDelayed(name, description string, delay time.Duration, fn JobFunc) error {
	return s.Start(name, description, func(ctx context.Context) error {
		select {
		case <-time.After(delay):
			return fn(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
