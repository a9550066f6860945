// Package uploadq is a durable FIFO upload queue backed by SQLite.
//
// Claimed rows stay invisible for a visibility timeout; a consumer that
// crashes mid-upload leaves the row to reappear once the timeout expires.
// Only the head of the queue is ever claimable, so a single consumer
// delivers payloads strictly in enqueue order and at most one upload is in
// flight. Failed uploads are retried with exponential backoff up to
// MaxAttempts, then dropped and reported through OnDrop.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS upload_jobs (
//	    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
//	    id          TEXT NOT NULL UNIQUE,
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,            -- ms since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package uploadq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/viewreplay/dbopen"
)

// ErrRunning is returned by Run when a consumer is already active.
var ErrRunning = errors.New("uploadq: consumer already running")

// Job is a queued upload.
type Job struct {
	ID        string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// Backoff is the delay before the first retry; it doubles per attempt
	// up to MaxBackoff. Default: 1s.
	Backoff time.Duration
	// MaxBackoff caps the retry delay. Default: 1m.
	MaxBackoff time.Duration
	// MaxAttempts bounds deliveries per job before it is dropped. Default: 5.
	MaxAttempts int
	// OnDrop is called for every job dropped after MaxAttempts.
	OnDrop func(job *Job)
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db      *sql.DB
	opts    Options
	running atomic.Bool
	now     func() time.Time
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts, now: time.Now}
}

// EnsureTable creates the upload_jobs table if it does not exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS upload_jobs (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("uploadq: ensure table: %w", err)
	}
	return nil
}

// Enqueue appends a payload that is immediately visible.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte) error {
	now := q.now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO upload_jobs (id, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		id, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("uploadq: enqueue %s: %w", id, err)
	}
	return nil
}

// Claim takes the head of the queue if it is visible, hides it for the
// visibility timeout and returns it. It returns nil, nil when the queue is
// empty or the head is still invisible.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE upload_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE seq = (SELECT MIN(seq) FROM upload_jobs) AND visible_at <= ?
		RETURNING id, payload, visible_at, created_at, attempts`,
		now.Add(q.opts.Visibility).UnixMilli(), now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("uploadq: claim: %w", err)
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a delivered job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if _, err := dbopen.Exec(ctx, q.db, `DELETE FROM upload_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("uploadq: ack %s: %w", id, err)
	}
	return nil
}

// Nack makes a job visible again after delay.
func (q *Queue) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE upload_jobs SET visible_at = ? WHERE id = ?`,
		q.now().Add(delay).UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("uploadq: nack %s: %w", id, err)
	}
	return nil
}

// Purge deletes every job.
func (q *Queue) Purge(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM upload_jobs`); err != nil {
		return fmt.Errorf("uploadq: purge: %w", err)
	}
	return nil
}

// Len returns the number of queued jobs, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("uploadq: len: %w", err)
	}
	return n, nil
}

// Handler uploads one job. Return nil to ack, non-nil to retry later.
type Handler func(ctx context.Context, job *Job) error

// Run delivers jobs to handler one at a time until ctx is cancelled. Only
// one Run may be active per Queue.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer q.running.Store(false)

	log := q.opts.Logger
	log.Info("uploadq: consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval, "max_attempts", q.opts.MaxAttempts)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("uploadq: consumer stopped")
			return nil
		case <-ticker.C:
			q.Drain(ctx, handler)
		}
	}
}

// Drain delivers visible jobs until the head is invisible or the queue is
// empty. It returns the number of jobs acked.
func (q *Queue) Drain(ctx context.Context, handler Handler) int {
	log := q.opts.Logger
	acked := 0
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("uploadq: claim failed", "error", err)
			return acked
		}
		if job == nil {
			return acked
		}

		// A consumer crashed after claiming this job for the last time.
		if job.Attempts > q.opts.MaxAttempts {
			q.drop(ctx, job)
			continue
		}

		if err := handler(ctx, job); err != nil {
			if job.Attempts >= q.opts.MaxAttempts {
				log.Warn("uploadq: upload failed, attempts exhausted", "id", job.ID, "attempts", job.Attempts, "error", err)
				q.drop(ctx, job)
				continue
			}
			delay := q.backoff(job.Attempts)
			log.Warn("uploadq: upload failed, retrying", "id", job.ID, "attempts", job.Attempts, "retry_in", delay, "error", err)
			if err := q.Nack(ctx, job.ID, delay); err != nil {
				log.Warn("uploadq: nack failed", "id", job.ID, "error", err)
			}
			return acked
		}

		if err := q.Ack(ctx, job.ID); err != nil {
			log.Warn("uploadq: ack failed", "id", job.ID, "error", err)
			return acked
		}
		acked++
	}
	return acked
}

func (q *Queue) drop(ctx context.Context, job *Job) {
	if err := q.Ack(ctx, job.ID); err != nil {
		q.opts.Logger.Warn("uploadq: drop failed", "id", job.ID, "error", err)
		return
	}
	q.opts.Logger.Warn("uploadq: job dropped", "id", job.ID, "attempts", job.Attempts)
	if q.opts.OnDrop != nil {
		q.opts.OnDrop(job)
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}
