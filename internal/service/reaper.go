package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/metrics"
	"github.com/timmy/archivejobs/internal/repository"
)

// ErrMessageInterrupted is recorded on jobs the reaper settles.
const ErrMessageInterrupted = "interrupted: job was not running in any worker"

// LiveSet reports which jobs have an execution unit in this process.
type LiveSet interface {
	IsLive(jobID string) bool
}

// ReaperConfig holds reaper configuration.
type ReaperConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 10m".
	Schedule string
	// StaleAfter is how long a non-terminal job may go without a write.
	StaleAfter time.Duration
	// BatchSize is the maximum number of jobs settled per sweep.
	BatchSize int
}

// Reaper fails jobs left pending or running by a process that died.
// Idempotency comes from the store's conditional transition: a job that
// settled after it was listed is left untouched.
type Reaper struct {
	config  ReaperConfig
	store   repository.JobStore
	live    LiveSet
	metrics metrics.Sink
	clock   func() time.Time
	cron    *cron.Cron
}

// NewReaper creates a new Reaper.
func NewReaper(config ReaperConfig, store repository.JobStore, live LiveSet, sink metrics.Sink) *Reaper {
	if config.BatchSize < 1 {
		config.BatchSize = 100
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Reaper{
		config:  config,
		store:   store,
		live:    live,
		metrics: sink,
		clock:   time.Now,
	}
}

// Start runs one sweep immediately and then on the configured schedule.
func (r *Reaper) Start(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "reaper")
	c := cron.New()
	if _, err := c.AddFunc(r.config.Schedule, func() { r.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	logger.CtxInfo(ctx, "Reaper started: schedule=%q, stale_after=%s, batch=%d",
		r.config.Schedule, r.config.StaleAfter, r.config.BatchSize)
	r.sweepAndLog(ctx)

	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		logger.CtxError(ctx, "Reaper sweep failed: %v", err)
		return
	}
	if n > 0 {
		logger.With(nil).WithCount(n).Info(ctx, "Reaper settled abandoned jobs")
	}
}

// Sweep settles one batch of stale jobs and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock().UTC()
	stale, err := r.store.ListStale(ctx, now.Add(-r.config.StaleAfter), r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range stale {
		if ctx.Err() != nil {
			break
		}
		if r.live != nil && r.live.IsLive(job.ID) {
			continue
		}

		err := r.store.Abort(ctx, job.ID, domain.Failed(ErrMessageInterrupted, nil, now))
		switch {
		case err == nil:
			reaped++
			logger.CtxWarn(ctx, "Reaped abandoned job: job_id=%s, status=%s, last_update=%s",
				job.ID, job.Status, job.UpdatedAt.Format(time.RFC3339))
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
			// Settled since it was listed.
		default:
			logger.CtxError(ctx, "Failed to reap job %s: %v", job.ID, err)
		}
	}

	r.metrics.StaleJobsReaped(reaped)
	return reaped, nil
}
