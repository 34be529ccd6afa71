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

// ListenerRuleRepo persists ListenerRule rows in the shared schema.
type ListenerRuleRepo struct {
	pool *pgxpool.Pool
}

// NewListenerRuleRepo builds a ListenerRuleRepo over the shared pool.
func NewListenerRuleRepo(pool *pgxpool.Pool) *ListenerRuleRepo {
	return &ListenerRuleRepo{pool: pool}
}

func scanListenerRule(row pgx.Row) (*ListenerRule, error) {
	var (
		rule       ListenerRule
		filterRaw  []byte
		metaRaw    []byte
	)
	if err := row.Scan(
		&rule.ID, &rule.WorkspaceID, &rule.TargetTable, &filterRaw, &rule.Operations, &rule.JobName,
		&rule.Active, &metaRaw, &rule.LockedBy, &rule.LockedAt, &rule.HeartbeatAt,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning listener rule: %w", err)
	}
	if err := json.Unmarshal(filterRaw, &rule.Filter); err != nil {
		return nil, fmt.Errorf("decoding listener rule filter: %w", err)
	}
	if err := json.Unmarshal(metaRaw, &rule.Metadata); err != nil {
		return nil, fmt.Errorf("decoding listener rule metadata: %w", err)
	}
	return &rule, nil
}

const listenerRuleColumns = `
	id, workspace_id, target_table, filter, operations, job_name, active, metadata,
	locked_by, locked_at, heartbeat_at, created_at, updated_at`

// ListActive returns every active listener rule. Called by the Change
// Router's reconciliation sweep to compute the desired stream set.
func (r *ListenerRuleRepo) ListActive(ctx context.Context) ([]ListenerRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+listenerRuleColumns+` FROM listener_rules WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("listing active listener rules: %w", err)
	}
	defer rows.Close()

	var out []ListenerRule
	for rows.Next() {
		rule, err := scanListenerRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// Get loads a listener rule by id.
func (r *ListenerRuleRepo) Get(ctx context.Context, id string) (*ListenerRule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+listenerRuleColumns+` FROM listener_rules WHERE id = $1`, id)
	return scanListenerRule(row)
}

// Create inserts a new listener rule.
func (r *ListenerRuleRepo) Create(ctx context.Context, rule ListenerRule) error {
	filterJSON, err := json.Marshal(rule.Filter)
	if err != nil {
		return fmt.Errorf("encoding listener rule filter: %w", err)
	}
	metaJSON, err := json.Marshal(rule.Metadata)
	if err != nil {
		return fmt.Errorf("encoding listener rule metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO listener_rules (id, workspace_id, target_table, filter, operations, job_name, active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rule.ID, rule.WorkspaceID, rule.TargetTable, filterJSON, rule.Operations, rule.JobName, rule.Active, metaJSON)
	if err != nil {
		return fmt.Errorf("creating listener rule %s: %w", rule.ID, err)
	}
	return nil
}

// TryClaim attempts to take or refresh ownership of a rule, so only one
// Change Router instance drives its subscription at a time. It succeeds if
// the rule is unowned, already owned by instanceID, or its owner's
// heartbeat has gone stale past staleAfter — the same "reclaim on expiry"
// pattern the scheduler uses for job locks.
func (r *ListenerRuleRepo) TryClaim(ctx context.Context, id, instanceID string, staleAfter time.Duration) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE listener_rules SET locked_by = $2, locked_at = COALESCE(locked_at, now()), heartbeat_at = now()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_by = $2 OR heartbeat_at + make_interval(secs => $3) <= now())`,
		id, instanceID, staleAfter.Seconds())
	if err != nil {
		return false, fmt.Errorf("claiming listener rule %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Deactivate soft-disables a rule by clearing its active flag.
func (r *ListenerRuleRepo) Deactivate(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE listener_rules SET active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivating listener rule %s: %w", id, err)
	}
	return nil
}
