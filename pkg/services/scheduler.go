package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kerbaras/mangashelf/pkg/data"
)

const (
	// UpdateQueueName is the durable queue holding the recurring update job.
	UpdateQueueName = "updates"
	updateJobID     = "periodic-update-check"
)

// Checker runs one update scan.
type Checker interface {
	Check(ctx context.Context) (*UpdateResult, error)
}

// Scheduler runs a Checker as a unique recurring job. The job is a single
// queue row; whoever claims it holds a lease for the queue visibility and
// re-arms the row when done, so scans never overlap.
type Scheduler struct {
	queue      *data.Queue
	checker    Checker
	interval   time.Duration
	retryDelay time.Duration
	poll       time.Duration
	logger     *slog.Logger
}

func NewScheduler(queue *data.Queue, checker Checker, interval, retryDelay time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	if retryDelay <= 0 {
		retryDelay = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:      queue,
		checker:    checker,
		interval:   interval,
		retryDelay: retryDelay,
		poll:       time.Minute,
		logger:     logger,
	}
}

// Schedule creates the recurring job unless it already exists. It reports
// whether a job was created.
func (s *Scheduler) Schedule(ctx context.Context) (bool, error) {
	return s.queue.PublishUnique(ctx, updateJobID, nil)
}

// RunOnce runs the scan if the job is due and no one else holds it. It
// reports whether a scan ran.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.queue.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	if job.ID != updateJobID {
		s.logger.Warn("scheduler: dropping unknown job", "job", job.ID)
		return false, s.queue.Ack(ctx, job.ID)
	}

	result, err := s.checker.Check(ctx)
	next := s.interval
	switch {
	case err == nil:
		s.logger.Info("scheduler: update check done", "updated", result.Updated(), "next", next)
	case errors.Is(err, ErrRetryable):
		next = s.retryDelay
		s.logger.Warn("scheduler: update check failed, retrying", "error", err, "next", next)
	default:
		s.logger.Error("scheduler: update check failed", "error", err, "next", next)
	}

	// the lease outlives a cancelled ctx so the row is re-armed
	if rerr := s.queue.Extend(context.WithoutCancel(ctx), job.ID, next); rerr != nil {
		return true, errors.Join(err, rerr)
	}
	return true, err
}

// Run schedules the job and polls for it until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Schedule(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduler: run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
