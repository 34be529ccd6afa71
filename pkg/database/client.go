package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SharedPool wraps the connection pool used for shared-schema tables:
// workspaces, billing profiles and members, listener rules, and the
// scheduled_jobs table the scheduler claims from (spec.md §3).
type SharedPool struct {
	Pool *pgxpool.Pool
}

// NewSharedPool opens the shared-schema pool and applies pending shared
// migrations before returning, mirroring the teacher's NewClient doing
// migrate-then-wrap in one call.
func NewSharedPool(ctx context.Context, cfg Config) (*SharedPool, error) {
	if err := runSharedMigrations(cfg); err != nil {
		return nil, fmt.Errorf("running shared migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN("public"))
	if err != nil {
		return nil, fmt.Errorf("parsing shared pool config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxSharedConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening shared pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging shared pool: %w", err)
	}

	return &SharedPool{Pool: pool}, nil
}

// Close releases the shared pool's connections.
func (s *SharedPool) Close() {
	s.Pool.Close()
}
