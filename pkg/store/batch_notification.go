package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchNotificationRepo persists BatchNotification rows in a workspace's
// schema.
type BatchNotificationRepo struct {
	pool *pgxpool.Pool
}

// NewBatchNotificationRepo builds a BatchNotificationRepo over a
// workspace-scoped pool.
func NewBatchNotificationRepo(pool *pgxpool.Pool) *BatchNotificationRepo {
	return &BatchNotificationRepo{pool: pool}
}

// Create inserts a notification discovered from the webhook receiver.
// Duplicate notifications for the same batch are expected (Scenario B:
// duplicate completion notifications); this repo does not dedupe —
// dedup happens downstream at the processor via isProcessed.
func (r *BatchNotificationRepo) Create(ctx context.Context, n BatchNotification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batch_notifications (id, provider, output_ref, batch_id, processed)
		VALUES ($1, $2, $3, $4, $5)`,
		n.ID, n.Provider, n.OutputRef, nullableID(n.BatchID), n.Processed)
	if err != nil {
		return fmt.Errorf("recording batch notification %s: %w", n.ID, err)
	}
	return nil
}

// ListUnprocessed returns notifications not yet turned into a processing
// job enqueue.
func (r *BatchNotificationRepo) ListUnprocessed(ctx context.Context) ([]BatchNotification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider, output_ref, COALESCE(batch_id, ''), processed, discovered_at
		FROM batch_notifications WHERE processed = false ORDER BY discovered_at`)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed batch notifications: %w", err)
	}
	defer rows.Close()

	var out []BatchNotification
	for rows.Next() {
		var n BatchNotification
		if err := rows.Scan(&n.ID, &n.Provider, &n.OutputRef, &n.BatchID, &n.Processed, &n.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scanning batch notification row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkProcessed flags a notification as consumed once its batch has been
// enqueued for processing.
func (r *BatchNotificationRepo) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE batch_notifications SET processed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking batch notification %s processed: %w", id, err)
	}
	return nil
}

func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
