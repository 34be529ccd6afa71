package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PromptRepo persists Prompt rows in a workspace's schema.
type PromptRepo struct {
	pool *pgxpool.Pool
}

// NewPromptRepo builds a PromptRepo over a workspace-scoped pool.
func NewPromptRepo(pool *pgxpool.Pool) *PromptRepo {
	return &PromptRepo{pool: pool}
}

// ListActive returns every active prompt, the P set in the Batch
// Submitter's Cartesian product.
func (r *PromptRepo) ListActive(ctx context.Context) ([]Prompt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, phrase, created_by, active, created_at, updated_at
		FROM prompts WHERE active = true ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing active prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Phrase, &p.CreatedBy, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning prompt row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get loads a prompt by id; returns ErrNotFound if missing — the Batch
// Result Processor treats this as the "missing referent" edge case and
// skips the result rather than failing the job.
func (r *PromptRepo) Get(ctx context.Context, id string) (*Prompt, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, phrase, created_by, active, created_at, updated_at
		FROM prompts WHERE id = $1`, id)

	var p Prompt
	if err := row.Scan(&p.ID, &p.Phrase, &p.CreatedBy, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading prompt %s: %w", id, err)
	}
	return &p, nil
}

// Count returns the number of active prompts. entitlements.CanCreate does
// not call it; it compares the billing profile's promptsUsed counter
// against promptsLimit instead.
func (r *PromptRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM prompts WHERE active = true`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active prompts: %w", err)
	}
	return n, nil
}

// Create inserts a new prompt. The caller is responsible for enforcing the
// promptCharacterLimit invariant against the billing profile before calling
// this (pkg/entitlements.Service.CanCreatePrompt).
func (r *PromptRepo) Create(ctx context.Context, p Prompt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prompts (id, phrase, created_by, active)
		VALUES ($1, $2, $3, $4)`, p.ID, p.Phrase, p.CreatedBy, p.Active)
	if err != nil {
		return fmt.Errorf("creating prompt %s: %w", p.ID, err)
	}
	return nil
}
