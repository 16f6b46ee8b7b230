package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"keyquorum/internal/jobs"
)

// JobQueue is the PostgreSQL implementation of jobs.Queue. The (queue,
// key) unique constraint makes enqueue idempotent across processes;
// FOR UPDATE SKIP LOCKED lets concurrent workers claim without blocking
// each other.
type JobQueue struct {
	db *DB
}

// NewJobQueue builds a queue backed by the shared database.
func NewJobQueue(db *DB) *JobQueue {
	return &JobQueue{db: db}
}

// Enqueue adds a job unless its key is already known on the queue.
func (q *JobQueue) Enqueue(ctx context.Context, queue, key string, payload []byte) error {
	now := time.Now()
	_, err := q.db.pool.Exec(ctx, `
		INSERT INTO queue_jobs (queue, key, payload, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, $4)
		ON CONFLICT (queue, key) DO NOTHING`,
		queue, key, payload, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s job %s: %w", queue, key, err)
	}
	return nil
}

// Claim leases the oldest due job, or returns nil when none is due.
func (q *JobQueue) Claim(ctx context.Context, queue string) (*jobs.Job, error) {
	query := `
		UPDATE queue_jobs
		SET state = 'running', attempt = attempt + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND state = 'queued' AND run_after <= now()
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, key, payload, attempt`

	var job jobs.Job
	err := q.db.pool.QueryRow(ctx, query, queue).Scan(
		&job.ID, &job.Queue, &job.Key, &job.Payload, &job.Attempt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming %s job: %w", queue, err)
	}
	return &job, nil
}

// Complete marks the job done. Completed rows stay behind the unique key
// until the janitor prunes them, which keeps re-enqueues of finished work
// a no-op in the meantime.
func (q *JobQueue) Complete(ctx context.Context, job *jobs.Job) error {
	_, err := q.db.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = 'completed', updated_at = now() WHERE id = $1`,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("completing %s job %s: %w", job.Queue, job.Key, err)
	}
	return nil
}

// Fail reschedules the job with backoff, or buries it when the failure is
// structural or the attempt limit is reached.
func (q *JobQueue) Fail(ctx context.Context, job *jobs.Job, cause error, structural bool) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if structural || job.Attempt >= jobs.MaxAttempts {
		log.Warn().Str("queue", job.Queue).Str("key", job.Key).
			Int("attempt", job.Attempt).Bool("structural", structural).
			Msg("burying job")
		_, err := q.db.pool.Exec(ctx, `
			UPDATE queue_jobs SET state = 'buried', last_error = $2, updated_at = now()
			WHERE id = $1`,
			job.ID, message,
		)
		if err != nil {
			return fmt.Errorf("burying %s job %s: %w", job.Queue, job.Key, err)
		}
		return nil
	}

	delay := jobs.Backoff(job.Attempt)
	_, err := q.db.pool.Exec(ctx, `
		UPDATE queue_jobs SET state = 'queued', last_error = $2,
			run_after = now() + $3, updated_at = now()
		WHERE id = $1`,
		job.ID, message, delay,
	)
	if err != nil {
		return fmt.Errorf("rescheduling %s job %s: %w", job.Queue, job.Key, err)
	}
	return nil
}
