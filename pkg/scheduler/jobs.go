package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandsignal/batchworks/pkg/jobnames"
)

// jobRow is one claimed scheduled_jobs record.
type jobRow struct {
	ID           int64
	Name         jobnames.Name
	UniqueKey    string
	Payload      json.RawMessage
	RepeatEvery  time.Duration
	LockLifetime time.Duration
}

// Enqueue inserts or refreshes a scheduled job row. If a row already
// exists for (name, uniqueKey) its payload and nextRunAt are updated in
// place rather than creating a duplicate, per the durable job queue's
// uniqueness contract.
func (s *Scheduler) Enqueue(ctx context.Context, name jobnames.Name, payload any, opts EnqueueOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for job %s: %w", name, err)
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	var repeatMs *int64
	if opts.RepeatEvery > 0 {
		ms := opts.RepeatEvery.Milliseconds()
		repeatMs = &ms
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (name, unique_key, payload, next_run_at, repeat_interval_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, unique_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			next_run_at = EXCLUDED.next_run_at,
			repeat_interval_ms = EXCLUDED.repeat_interval_ms,
			updated_at = now()`,
		string(name), opts.UniqueKey, body, runAt, repeatMs)
	if err != nil {
		return fmt.Errorf("enqueuing job %s: %w", name, err)
	}
	return nil
}

// claimNext atomically claims the next due, unlocked-or-expired job among
// the given names, the same SELECT ... FOR UPDATE SKIP LOCKED pattern the
// teacher uses for alert sessions. The reclaim predicate compares each
// row's locked_at against *that job's own* registered LockLifetime (joined
// in via job_locks) rather than one scheduler-wide constant: a long-running
// job like PollBatchStatus (LockLifetime in hours) must not be reclaimed on
// the same short window a default job is.
func (s *Scheduler) claimNext(ctx context.Context, names []string) (*jobRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockSeconds := make([]float64, len(names))
	for i, n := range names {
		lockSeconds[i] = s.lockSecondsFor(jobnames.Name(n))
	}

	row := tx.QueryRow(ctx, `
		WITH job_locks(name, lock_seconds) AS (
			SELECT unnest($1::text[]), unnest($2::float8[])
		)
		SELECT sj.id, sj.name, sj.unique_key, sj.payload, sj.repeat_interval_ms
		FROM scheduled_jobs sj
		JOIN job_locks jl ON jl.name = sj.name
		WHERE sj.next_run_at <= now()
		  AND (sj.locked_at IS NULL OR sj.locked_at + make_interval(secs => jl.lock_seconds) <= now())
		ORDER BY sj.next_run_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, names, lockSeconds)

	var (
		j           jobRow
		repeatMs    *int64
		payloadJSON []byte
	)
	if err := row.Scan(&j.ID, &j.Name, &j.UniqueKey, &payloadJSON, &repeatMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	j.Payload = payloadJSON
	if repeatMs != nil {
		j.RepeatEvery = time.Duration(*repeatMs) * time.Millisecond
	}

	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_jobs SET locked_at = now(), locked_by = $2, last_run_at = now(), updated_at = now()
		WHERE id = $1`, j.ID, s.instanceID); err != nil {
		return nil, fmt.Errorf("marking job %d locked: %w", j.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim for job %d: %w", j.ID, err)
	}
	return &j, nil
}

// finish writes the terminal bookkeeping for a claimed job: clears the
// lock, records the outcome, and — for repeating jobs — advances
// nextRunAt by repeatInterval in the same update.
func (s *Scheduler) finish(ctx context.Context, j *jobRow, runErr error) error {
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	if j.RepeatEvery > 0 {
		_, err := s.pool.Exec(ctx, `
			UPDATE scheduled_jobs SET
				locked_at = NULL, locked_by = NULL,
				last_finished_at = now(),
				next_run_at = now() + make_interval(secs => $2),
				last_error = $3, progress = NULL, updated_at = now()
			WHERE id = $1`, j.ID, j.RepeatEvery.Seconds(), errMsg)
		if err != nil {
			return fmt.Errorf("finishing repeating job %d: %w", j.ID, err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET
			locked_at = NULL, locked_by = NULL,
			last_finished_at = now(), last_error = $2, progress = NULL, updated_at = now()
		WHERE id = $1`, j.ID, errMsg)
	if err != nil {
		return fmt.Errorf("finishing job %d: %w", j.ID, err)
	}
	return nil
}

// requeue releases a job's lock without recording an outcome, used when a
// worker claims a row but loses the per-job concurrency race before
// starting the handler.
func (s *Scheduler) requeue(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_jobs SET locked_at = NULL, locked_by = NULL WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("requeuing job %d: %w", jobID, err)
	}
	return nil
}

func (s *Scheduler) touch(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_jobs SET locked_at = now(), updated_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("touching job %d: %w", jobID, err)
	}
	return nil
}

func (s *Scheduler) setProgress(ctx context.Context, jobID int64, status string) {
	if _, err := s.pool.Exec(ctx, `UPDATE scheduled_jobs SET progress = $2 WHERE id = $1`, jobID, status); err != nil {
		s.logger.Warn("recording job progress failed", "job_id", jobID, "error", err)
	}
}

// Pool exposes the underlying shared pool, used by Health.
func (s *Scheduler) Pool() *pgxpool.Pool { return s.pool }
