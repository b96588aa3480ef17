package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

const (
	defaultInterval = time.Hour
	defaultLockTTL  = 30 * time.Minute
	lockScope       = "maintenance"
	lockID          = "cycle"
)

// Job is one maintenance task executed on every cycle.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type runObserver interface {
	ObserveRun(job, outcome string, duration time.Duration)
}

// ServiceParams configure the maintenance loop. Metrics is optional.
type ServiceParams struct {
	Logger   *logger.Logger
	Jobs     []Job
	Locker   redis.Locker
	LockTTL  time.Duration
	Metrics  runObserver
	Interval time.Duration
}

// Service runs registered jobs on a fixed cadence. A Redis lock keeps replicas from overlapping.
type Service struct {
	logg     *logger.Logger
	jobs     []Job
	locker   redis.Locker
	lockTTL  time.Duration
	metrics  runObserver
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	jobs := make([]Job, 0, len(params.Jobs))
	for _, job := range params.Jobs {
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ttl := params.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Service{
		logg:     params.Logger,
		jobs:     jobs,
		locker:   params.Locker,
		lockTTL:  ttl,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run executes one cycle immediately, then one per interval until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "maintenance cycle failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "maintenance cycle failed", err)
			}
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	release, acquired, err := s.locker.AcquireLock(ctx, lockScope, lockID, s.lockTTL)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !acquired {
		s.logg.Info(ctx, "another maintenance instance holds the lock; skipping cycle")
		return nil
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release maintenance lock", relErr)
		}
	}()

	for _, job := range s.jobs {
		s.runJob(ctx, job)
	}
	return nil
}

// runJob isolates failures so one broken job does not starve the rest.
func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": job.Name(), "event": "maintenance.job"})
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())

	outcome := "success"
	if err != nil {
		outcome = "failure"
		s.logg.Error(jobCtx, "job failed", err)
	} else {
		s.logg.Info(jobCtx, "job completed")
	}
	if s.metrics != nil {
		s.metrics.ObserveRun(job.Name(), outcome, duration)
	}
}
