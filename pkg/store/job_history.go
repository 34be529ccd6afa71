package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// JobHistoryRepo persists JobHistory audit rows in a workspace's schema.
type JobHistoryRepo struct {
	pool *pgxpool.Pool
}

// NewJobHistoryRepo builds a JobHistoryRepo over a workspace-scoped pool.
func NewJobHistoryRepo(pool *pgxpool.Pool) *JobHistoryRepo {
	return &JobHistoryRepo{pool: pool}
}

// Record inserts a completed-or-failed job's audit entry.
func (r *JobHistoryRepo) Record(ctx context.Context, h JobHistory) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_histories (
			job_name, status, started_at, ended_at, runtime_ms,
			bytes_in, bytes_out, api_calls, errors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.JobName, h.Status, h.StartedAt, h.EndedAt, h.RuntimeMs,
		h.BytesIn, h.BytesOut, h.APICalls, h.Errors)
	if err != nil {
		return fmt.Errorf("recording job history for %s: %w", h.JobName, err)
	}
	return nil
}

// PurgeOlderThan deletes job history rows started before the cutoff,
// enforcing the workspace's data-retention window.
func (r *JobHistoryRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM job_histories WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging job history: %w", err)
	}
	return tag.RowsAffected(), nil
}
