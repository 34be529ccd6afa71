package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BrandRepo persists Brand rows in a workspace's schema.
type BrandRepo struct {
	pool *pgxpool.Pool
}

// NewBrandRepo builds a BrandRepo over a workspace-scoped pool.
func NewBrandRepo(pool *pgxpool.Pool) *BrandRepo {
	return &BrandRepo{pool: pool}
}

// ListActive returns every active brand, used to build the own/competitor
// lists the Batch Result Processor feeds into the sentiment prompt.
func (r *BrandRepo) ListActive(ctx context.Context) ([]Brand, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, own_brand, active, created_at, updated_at
		FROM brands WHERE active = true ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing active brands: %w", err)
	}
	defer rows.Close()

	var out []Brand
	for rows.Next() {
		var b Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.OwnBrand, &b.Active, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning brand row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the number of active brands. entitlements.CanCreate does
// not call it; it reads the billing profile's brandsUsed counter instead.
func (r *BrandRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM brands WHERE active = true`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active brands: %w", err)
	}
	return n, nil
}

// Create inserts a new brand. The partial unique index
// idx_brands_one_own enforces "at most one own brand" at the database
// level; a violation surfaces here as a wrapped unique-constraint error.
func (r *BrandRepo) Create(ctx context.Context, b Brand) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO brands (id, name, own_brand, active)
		VALUES ($1, $2, $3, $4)`, b.ID, b.Name, b.OwnBrand, b.Active)
	if err != nil {
		return fmt.Errorf("creating brand %s: %w", b.ID, err)
	}
	return nil
}
