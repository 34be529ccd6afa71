package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchRepo persists Batch rows in a workspace's schema.
type BatchRepo struct {
	pool *pgxpool.Pool
}

// NewBatchRepo builds a BatchRepo over a workspace-scoped pool.
func NewBatchRepo(pool *pgxpool.Pool) *BatchRepo {
	return &BatchRepo{pool: pool}
}

const batchColumns = `
	id, provider, provider_batch_id, model_id, status, request_count,
	submitted_at, completed_at, metadata, results, output_ref, is_processed,
	processed_at, saved_results, sentiment_completed, sentiment_failed,
	total_results, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var (
		b        Batch
		metaRaw  []byte
	)
	if err := row.Scan(
		&b.ID, &b.Provider, &b.ProviderBatchID, &b.ModelID, &b.Status, &b.RequestCount,
		&b.SubmittedAt, &b.CompletedAt, &metaRaw, &b.Results, &b.OutputRef, &b.IsProcessed,
		&b.ProcessedAt, &b.Stats.SavedResults, &b.Stats.SentimentCompleted, &b.Stats.SentimentFailed,
		&b.Stats.TotalResults, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning batch row: %w", err)
	}

	var meta struct {
		Requests []BatchRequestMeta `json:"requests"`
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return nil, fmt.Errorf("decoding batch metadata for %s: %w", b.ID, err)
		}
	}
	b.Requests = meta.Requests
	return &b, nil
}

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx context.Context, id string) (*Batch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

// InFlightForModel returns the batch currently in flight for a model, if
// any — used by the Batch Submitter's "at most one in-flight batch per
// (workspace, model)" invariant.
func (r *BatchRepo) InFlightForModel(ctx context.Context, modelID string) (*Batch, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE model_id = $1 AND status IN ('submitted', 'validating', 'in_progress')
		ORDER BY created_at DESC LIMIT 1`, modelID)

	b, err := scanBatch(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// FindByProviderBatchID resolves a batch by the provider's own batch
// identifier, used by the webhook receiver to attach a BatchNotification to
// its batch at ingestion time rather than leaving that resolution to the
// poll sweep.
func (r *BatchRepo) FindByProviderBatchID(ctx context.Context, providerBatchID string) (*Batch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE provider_batch_id = $1`, providerBatchID)
	b, err := scanBatch(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// Create inserts a new batch record in status=submitted.
func (r *BatchRepo) Create(ctx context.Context, b Batch) error {
	metaJSON, err := json.Marshal(map[string]any{"requests": b.Requests})
	if err != nil {
		return fmt.Errorf("encoding batch metadata for %s: %w", b.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO batches (id, provider, provider_batch_id, model_id, status,
		                      request_count, submitted_at, metadata, total_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.Provider, b.ProviderBatchID, b.ModelID, b.Status,
		b.RequestCount, b.SubmittedAt, metaJSON, b.Stats.TotalResults)
	if err != nil {
		return fmt.Errorf("creating batch %s: %w", b.ID, err)
	}
	return nil
}

// MarkReceived flips a batch to status=received and attaches raw results
// or an output reference, whichever the provider surfaced. Either (poll or
// a BatchNotification) may call this; the UPDATE is idempotent on
// content, but the caller is expected to check current status first to
// avoid redundant writes.
func (r *BatchRepo) MarkReceived(ctx context.Context, id string, results []byte, outputRef string, completedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches SET status = 'received', results = $2, output_ref = $3,
		                    completed_at = $4, updated_at = now()
		WHERE id = $1`, id, results, outputRef, completedAt)
	if err != nil {
		return fmt.Errorf("marking batch %s received: %w", id, err)
	}
	return nil
}

// MarkProcessed sets isProcessed=true and the final processingStats. Guarded
// at the call site by the processor's isProcessed precondition check, but
// the WHERE clause repeats the guard so a racing second processor run is a
// no-op rather than double-counting stats.
func (r *BatchRepo) MarkProcessed(ctx context.Context, id string, stats ProcessingStats, processedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE batches SET is_processed = true, processed_at = $2,
		                    saved_results = $3, sentiment_completed = $4,
		                    sentiment_failed = $5, total_results = $6,
		                    updated_at = now()
		WHERE id = $1 AND is_processed = false`,
		id, processedAt, stats.SavedResults, stats.SentimentCompleted,
		stats.SentimentFailed, stats.TotalResults)
	if err != nil {
		return false, fmt.Errorf("marking batch %s processed: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetStatus updates a batch's status without touching its results —
// used by the status-poll job to track validating/in_progress/failed/
// expired/cancelled transitions.
func (r *BatchRepo) SetStatus(ctx context.Context, id string, status BatchStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE batches SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating batch %s status: %w", id, err)
	}
	return nil
}

// ListAwaitingPoll returns every in-flight batch not yet received, for the
// status-poll job to check against the provider.
func (r *BatchRepo) ListAwaitingPoll(ctx context.Context) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status IN ('submitted', 'validating', 'in_progress')`)
	if err != nil {
		return nil, fmt.Errorf("listing batches awaiting poll: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
