package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WorkspaceRepo persists Workspace rows in the shared schema.
type WorkspaceRepo struct {
	pool *pgxpool.Pool
}

// NewWorkspaceRepo builds a WorkspaceRepo over the shared pool.
func NewWorkspaceRepo(pool *pgxpool.Pool) *WorkspaceRepo {
	return &WorkspaceRepo{pool: pool}
}

// Get loads a workspace by id, returning ErrNotFound if it doesn't exist.
func (r *WorkspaceRepo) Get(ctx context.Context, id string) (*Workspace, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, display_name, billing_profile_id, created_at, updated_at
		FROM workspaces WHERE id = $1`, id)

	var w Workspace
	if err := row.Scan(&w.ID, &w.DisplayName, &w.BillingProfileID, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading workspace %s: %w", id, err)
	}
	return &w, nil
}

// Create inserts a new workspace. Called from the API surface this core
// does not itself expose; present so tests can seed workspaces.
func (r *WorkspaceRepo) Create(ctx context.Context, w Workspace) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workspaces (id, display_name, billing_profile_id)
		VALUES ($1, $2, $3)`,
		w.ID, w.DisplayName, w.BillingProfileID)
	if err != nil {
		return fmt.Errorf("creating workspace %s: %w", w.ID, err)
	}
	return nil
}

// ListByBillingProfile returns every workspace sharing the given billing
// profile. entitlements.ApplyPlan writes only the billing profile row and
// does not call it.
func (r *WorkspaceRepo) ListByBillingProfile(ctx context.Context, billingProfileID string) ([]Workspace, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, display_name, billing_profile_id, created_at, updated_at
		FROM workspaces WHERE billing_profile_id = $1`, billingProfileID)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces for billing profile %s: %w", billingProfileID, err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.DisplayName, &w.BillingProfileID, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListAll returns every workspace, used at startup to seed each tenant's
// recurring batch-submission tick and by the retention and batch-status
// poll sweeps.
func (r *WorkspaceRepo) ListAll(ctx context.Context) ([]Workspace, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, display_name, billing_profile_id, created_at, updated_at
		FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.DisplayName, &w.BillingProfileID, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
