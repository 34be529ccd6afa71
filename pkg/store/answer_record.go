package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRecordRepo persists AnswerRecord rows in a workspace's schema.
type AnswerRecordRepo struct {
	pool *pgxpool.Pool
}

// NewAnswerRecordRepo builds an AnswerRecordRepo over a workspace-scoped
// pool.
func NewAnswerRecordRepo(pool *pgxpool.Pool) *AnswerRecordRepo {
	return &AnswerRecordRepo{pool: pool}
}

// Upsert inserts an answer record, or replaces the existing row sharing
// its custom_id. custom_id is formalized as part of the uniqueness key
// (SPEC_FULL Open Question #2), so replaying the same result twice through
// the processor — a duplicate BatchNotification, or a crash-recovery
// re-run — yields exactly one row rather than a duplicate.
func (r *AnswerRecordRepo) Upsert(ctx context.Context, a AnswerRecord) error {
	var sentimentJSON []byte
	if a.SentimentAnalysis != nil {
		var err error
		sentimentJSON, err = json.Marshal(a.SentimentAnalysis)
		if err != nil {
			return fmt.Errorf("encoding sentiment analysis for %s: %w", a.CustomID, err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO answer_records (
			id, custom_id, prompt_id, prompt_text, model_id, model_name,
			provider, response_text, token_count, response_time_ms, batch_id,
			sentiment_analysis
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (custom_id) DO UPDATE SET
			prompt_text = EXCLUDED.prompt_text,
			response_text = EXCLUDED.response_text,
			token_count = EXCLUDED.token_count,
			response_time_ms = EXCLUDED.response_time_ms,
			sentiment_analysis = EXCLUDED.sentiment_analysis`,
		a.ID, a.CustomID, a.PromptID, a.PromptText, a.ModelID, a.ModelName,
		a.Provider, a.ResponseText, a.TokenCount, a.ResponseTimeMs, nullableID(a.BatchID),
		sentimentJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting answer record %s: %w", a.CustomID, err)
	}
	return nil
}

// UpdateSentiment attaches a sentiment analysis result to an already
// persisted answer record, identified by custom_id.
func (r *AnswerRecordRepo) UpdateSentiment(ctx context.Context, customID string, analysis SentimentAnalysis) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encoding sentiment analysis for %s: %w", customID, err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE answer_records SET sentiment_analysis = $2 WHERE custom_id = $1`, customID, payload)
	if err != nil {
		return fmt.Errorf("updating sentiment analysis for %s: %w", customID, err)
	}
	return nil
}

// CountByBatch returns how many answer records reference a batch,
// supporting the testable property "exactly processingStats.savedResults
// AnswerRecords exist that reference its batch id".
func (r *AnswerRecordRepo) CountByBatch(ctx context.Context, batchID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM answer_records WHERE batch_id = $1`, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting answer records for batch %s: %w", batchID, err)
	}
	return n, nil
}

// PurgeOlderThan deletes answer records created before the cutoff,
// enforcing the workspace's data-retention window.
func (r *AnswerRecordRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM answer_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging answer records: %w", err)
	}
	return tag.RowsAffected(), nil
}
