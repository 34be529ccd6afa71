package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BillingProfileRepo persists BillingProfile rows and their workspace
// membership join table, both in the shared schema.
type BillingProfileRepo struct {
	pool *pgxpool.Pool
}

// NewBillingProfileRepo builds a BillingProfileRepo over the shared pool.
func NewBillingProfileRepo(pool *pgxpool.Pool) *BillingProfileRepo {
	return &BillingProfileRepo{pool: pool}
}

// Get loads a billing profile by id.
func (r *BillingProfileRepo) Get(ctx context.Context, id string) (*BillingProfile, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, current_plan, brands_limit, prompts_limit, models_limit,
		       allowed_models, prompt_character_limit, job_frequency,
		       next_job_run_date, data_retention_days, brands_used,
		       prompts_used, models_used, prompts_reset_date, status,
		       grace_until, created_at, updated_at
		FROM billing_profiles WHERE id = $1`, id)

	var p BillingProfile
	if err := row.Scan(
		&p.ID, &p.CurrentPlan, &p.BrandsLimit, &p.PromptsLimit, &p.ModelsLimit,
		&p.AllowedModels, &p.PromptCharacterLimit, &p.JobFrequency,
		&p.NextJobRunDate, &p.DataRetentionDays, &p.BrandsUsed,
		&p.PromptsUsed, &p.ModelsUsed, &p.PromptsResetDate, &p.Status,
		&p.GraceUntil, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading billing profile %s: %w", id, err)
	}
	return &p, nil
}

// ApplyPlan overwrites the plan-derived fields and recomputes
// next_job_run_date, per entitlements.applyPlan's contract. The caller
// supplies the already-computed next run date since its formula depends on
// the cadence, which lives in the catalog, not the store.
func (r *BillingProfileRepo) ApplyPlan(ctx context.Context, profileID, planID string, p BillingProfile) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE billing_profiles SET
			current_plan = $2,
			brands_limit = $3,
			prompts_limit = $4,
			models_limit = $5,
			allowed_models = $6,
			prompt_character_limit = $7,
			job_frequency = $8,
			data_retention_days = $9,
			next_job_run_date = $10,
			updated_at = now()
		WHERE id = $1`,
		profileID, planID, p.BrandsLimit, p.PromptsLimit, p.ModelsLimit,
		p.AllowedModels, p.PromptCharacterLimit, p.JobFrequency,
		p.DataRetentionDays, p.NextJobRunDate,
	)
	if err != nil {
		return fmt.Errorf("applying plan %s to billing profile %s: %w", planID, profileID, err)
	}
	return nil
}

// IncrementUsage atomically bumps a usage counter (brands/prompts/models)
// by delta, which may be negative for decrementUsage.
func (r *BillingProfileRepo) IncrementUsage(ctx context.Context, profileID, resource string, delta int) error {
	column, err := usageColumn(resource)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`UPDATE billing_profiles SET %s = %s + $2, updated_at = now() WHERE id = $1`, column, column)
	if _, err := r.pool.Exec(ctx, sql, profileID, delta); err != nil {
		return fmt.Errorf("incrementing %s usage for billing profile %s: %w", resource, profileID, err)
	}
	return nil
}

func usageColumn(resource string) (string, error) {
	switch resource {
	case "brand":
		return "brands_used", nil
	case "prompt":
		return "prompts_used", nil
	case "model":
		return "models_used", nil
	default:
		return "", fmt.Errorf("unknown entitlement resource %q", resource)
	}
}

// ResetPromptsUsage zeroes prompts_used and advances prompts_reset_date,
// per maybeResetUsage's monthly-cadence contract.
func (r *BillingProfileRepo) ResetPromptsUsage(ctx context.Context, profileID string, nextResetDate time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE billing_profiles
		SET prompts_used = 0, prompts_reset_date = $2, updated_at = now()
		WHERE id = $1`, profileID, nextResetDate)
	if err != nil {
		return fmt.Errorf("resetting prompts usage for billing profile %s: %w", profileID, err)
	}
	return nil
}

// Members returns the workspace ids sharing this billing profile.
func (r *BillingProfileRepo) Members(ctx context.Context, profileID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT workspace_id FROM billing_profile_members WHERE billing_profile_id = $1`, profileID)
	if err != nil {
		return nil, fmt.Errorf("listing members of billing profile %s: %w", profileID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning billing profile member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddMember links a workspace to a billing profile (agency model: one
// profile backing multiple workspaces).
func (r *BillingProfileRepo) AddMember(ctx context.Context, profileID, workspaceID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO billing_profile_members (billing_profile_id, workspace_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, profileID, workspaceID)
	if err != nil {
		return fmt.Errorf("adding workspace %s to billing profile %s: %w", workspaceID, profileID, err)
	}
	return nil
}
