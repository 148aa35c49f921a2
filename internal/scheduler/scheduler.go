// Package scheduler runs ingestion cycles on a recurring timer and on demand,
// never more than one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/opendata-ingest/internal/cycle"
)

// DefaultInterval runs a cycle once a week.
const DefaultInterval = 7 * 24 * time.Hour

const jobName = "ingest-cycle"

// Runner executes one full cycle.
type Runner interface {
	RunCycle(ctx context.Context) (cycle.Summary, error)
}

// Config controls the recurring job.
type Config struct {
	Interval time.Duration
	// Cron, when set, replaces Interval with a crontab expression.
	Cron       string
	RunOnStart bool
}

// JobInfo describes the recurring job for external inspection.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitzero"`
	NextRun  time.Time `json:"next_run,omitzero"`
}

// Scheduler owns the recurring job and the single cycle slot shared with manual triggers.
type Scheduler struct {
	scheduler gocron.Scheduler
	job       gocron.Job
	schedule  string
	runner    Runner
	slot      *semaphore.Weighted
	logger    *zap.Logger

	mu   sync.RWMutex
	last *cycle.Summary
}

// New registers the recurring job. It does not fire until Start.
func New(runner Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	sched := &Scheduler{
		scheduler: s,
		runner:    runner,
		slot:      semaphore.NewWeighted(1),
		logger:    logger,
	}

	var definition gocron.JobDefinition
	if cfg.Cron != "" {
		definition = gocron.CronJob(cfg.Cron, false)
		sched.schedule = "cron " + cfg.Cron
	} else {
		interval := cfg.Interval
		if interval <= 0 {
			interval = DefaultInterval
		}
		definition = gocron.DurationJob(interval)
		sched.schedule = "every " + interval.String()
	}
	options := []gocron.JobOption{
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if cfg.RunOnStart {
		options = append(options, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	job, err := s.NewJob(definition, gocron.NewTask(sched.scheduled), options...)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("create %s job: %w", jobName, err)
	}
	sched.job = job
	return sched, nil
}

// Start begins firing the recurring job.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.schedule))
}

// Stop shuts the scheduler down, waiting for a running scheduled cycle.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// Wait blocks until no cycle holds the slot or ctx ends. It does not stop
// later triggers from running.
func (s *Scheduler) Wait(ctx context.Context) error {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for running cycle: %w", err)
	}
	s.slot.Release(1)
	return nil
}

// Trigger runs a full cycle and blocks until it completes. If another cycle is
// running it waits for that one to finish first.
func (s *Scheduler) Trigger(ctx context.Context) (cycle.Summary, error) {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return cycle.Summary{}, fmt.Errorf("wait for running cycle: %w", err)
	}
	defer s.slot.Release(1)

	summary, err := s.runner.RunCycle(ctx)
	if err != nil {
		return summary, fmt.Errorf("run cycle: %w", err)
	}
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
	return summary, nil
}

// LastSummary returns the most recent completed cycle, if any.
func (s *Scheduler) LastSummary() (cycle.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return cycle.Summary{}, false
	}
	return *s.last, true
}

// Info reports the recurring job's schedule and run times.
func (s *Scheduler) Info() JobInfo {
	info := JobInfo{Name: jobName, Schedule: s.schedule}
	if lr, err := s.job.LastRun(); err == nil {
		info.LastRun = lr
	}
	if nr, err := s.job.NextRun(); err == nil {
		info.NextRun = nr
	}
	return info
}

// scheduled is the gocron task. The context is cancelled on Stop.
func (s *Scheduler) scheduled(ctx context.Context) {
	s.logger.Info("scheduled cycle starting")
	summary, err := s.Trigger(ctx)
	if err != nil {
		s.logger.Warn("scheduled cycle did not complete", zap.Error(err))
		return
	}
	s.logger.Info("scheduled cycle finished",
		zap.String("cycle_id", summary.CycleID),
		zap.Int("links", summary.Links),
	)
}
