package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is a row of the durable job queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Name is the logical queue; several queues share the jobs table.
	Name string
	// Visibility is how long a claimed job stays hidden from other
	// consumers. A holder that dies without acking loses the job to the
	// next claim after this delay. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// RetryDelay hides a job whose handler failed before it is redelivered.
	// Default: 30s.
	RetryDelay time.Duration
	// MaxAttempts discards a job redelivered more often. 0 means unlimited.
	MaxAttempts int
	Logger      *slog.Logger
}

func (o *QueueOptions) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is a visibility-timeout queue stored in the jobs table. Jobs are
// delivered at least once.
type Queue struct {
	store *Store
	opts  QueueOptions
	// claims are serialized in-process; the UPDATE itself is atomic
	claimMu sync.Mutex
}

func (s *Store) Queue(opts QueueOptions) *Queue {
	opts.defaults()
	return &Queue{store: s, opts: opts}
}

func (q *Queue) Name() string { return q.opts.Name }

// Publish inserts a job that is immediately visible.
func (q *Queue) Publish(ctx context.Context, id string, payload []byte) error {
	now := millis(q.store.now())
	_, err := q.store.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, payload, visible_at, created_at, attempts) VALUES (?, ?, ?, ?, ?, 0)`,
		id, q.opts.Name, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("publish job %s: %w", id, err)
	}
	return nil
}

// PublishUnique inserts the job unless a job with the same id exists.
// It reports whether a row was inserted.
func (q *Queue) PublishUnique(ctx context.Context, id string, payload []byte) (bool, error) {
	now := millis(q.store.now())
	res, err := q.store.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, payload, visible_at, created_at, attempts) VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (id) DO NOTHING`,
		id, q.opts.Name, payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("publish job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Claim hides the oldest visible job for the visibility duration and
// returns it. It returns nil, nil when no job is visible.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	now := q.store.now()
	hideUntil := millis(now.Add(q.opts.Visibility))

	row := q.store.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Name, millis(now),
	)

	var (
		j            Job
		visAt, creAt int64
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	j.VisibleAt = fromMillis(visAt)
	j.CreatedAt = fromMillis(creAt)
	return &j, nil
}

// Ack deletes a processed job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.store.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND queue = ?`, id, q.opts.Name)
	return err
}

// Nack makes a job visible again right away.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Name)
	return err
}

// Extend hides a job for d from now, keeping its row.
func (q *Queue) Extend(ctx context.Context, id string, d time.Duration) error {
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		millis(q.store.now().Add(d)), id, q.opts.Name)
	return err
}

// Get returns the job id or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var (
		j            Job
		visAt, creAt int64
	)
	err := q.store.db.QueryRowContext(ctx,
		`SELECT id, queue, payload, visible_at, created_at, attempts FROM jobs WHERE id = ? AND queue = ?`,
		id, q.opts.Name,
	).Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = fromMillis(visAt)
	j.CreatedAt = fromMillis(creAt)
	return &j, nil
}

// Len counts visible and hidden jobs.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = ?`, q.opts.Name).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Returning nil acks it; an error hides it
// for RetryDelay before redelivery.
type Handler func(ctx context.Context, job *Job) error

// Run claims and handles visible jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: consumer started", "queue", q.opts.Name, "visibility", q.opts.Visibility)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		q.Drain(ctx, handler)
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopped", "queue", q.opts.Name)
			return
		case <-ticker.C:
		}
	}
}

// Drain handles visible jobs until none is left or ctx is cancelled. A job
// whose handler fails because ctx was cancelled is made visible again
// right away.
func (q *Queue) Drain(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("queue: claim failed", "queue", q.opts.Name, "error", err)
			return
		}
		if job == nil {
			return
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("queue: job exceeded max attempts, discarding",
				"queue", q.opts.Name, "id", job.ID, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.ID)
			continue
		}

		if err := handler(ctx, job); err != nil {
			if ctx.Err() != nil {
				// interrupted rather than failed: hand it back for the next consumer
				_ = q.Nack(context.WithoutCancel(ctx), job.ID)
				log.Info("queue: job released on shutdown", "queue", q.opts.Name, "id", job.ID)
				return
			}
			log.Warn("queue: handler failed, retrying later",
				"queue", q.opts.Name, "id", job.ID, "attempts", job.Attempts, "error", err)
			_ = q.Extend(ctx, job.ID, q.opts.RetryDelay)
			continue
		}
		_ = q.Ack(ctx, job.ID)
	}
}
