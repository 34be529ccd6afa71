package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WorkspaceSchema returns the dedicated Postgres schema name for a
// workspace id (spec.md §2: "a dedicated Postgres schema (workspace_<id>)").
func WorkspaceSchema(workspaceID string) string {
	return "workspace_" + workspaceID
}

type pooledWorkspace struct {
	pool     *pgxpool.Pool
	lastUsed time.Time
}

// WorkspaceConns is an idle-evicting cache of per-workspace connection
// pools, keyed by workspace id. Handlers call Acquire to get a pool scoped
// to one tenant's schema and never hold it open beyond their own call.
// Pools are opened lazily and closed once unused for WorkspaceIdleEvict;
// the number of pools open at once is not capped, so every workspace
// touched within that window keeps its pool open until the next sweep.
type WorkspaceConns struct {
	cfg        Config
	mu         sync.Mutex
	pools      map[string]*pooledWorkspace
	stopEvict  chan struct{}
	evictOnce  sync.Once
}

// NewWorkspaceConns builds an empty workspace pool cache and starts its
// background idle-eviction sweep.
func NewWorkspaceConns(cfg Config) *WorkspaceConns {
	w := &WorkspaceConns{
		cfg:       cfg,
		pools:     make(map[string]*pooledWorkspace),
		stopEvict: make(chan struct{}),
	}
	go w.runEviction()
	return w
}

// Acquire returns the pool for a workspace's schema, opening and migrating
// it on first use. The returned pool must not be retained past the
// caller's own operation; WorkspaceConns owns its lifecycle.
func (w *WorkspaceConns) Acquire(ctx context.Context, workspaceID string) (*pgxpool.Pool, error) {
	w.mu.Lock()
	if entry, ok := w.pools[workspaceID]; ok {
		entry.lastUsed = time.Now()
		w.mu.Unlock()
		return entry.pool, nil
	}
	w.mu.Unlock()

	schema := WorkspaceSchema(workspaceID)
	if err := EnsureWorkspaceSchema(w.cfg, schema); err != nil {
		return nil, fmt.Errorf("provisioning workspace schema %s: %w", schema, err)
	}

	poolCfg, err := pgxpool.ParseConfig(w.cfg.DSN(schema))
	if err != nil {
		return nil, fmt.Errorf("parsing pool config for workspace %s: %w", workspaceID, err)
	}
	poolCfg.MaxConns = w.cfg.MaxConnsPerWorkspace
	poolCfg.MaxConnLifetime = w.cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = w.cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening pool for workspace %s: %w", workspaceID, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging pool for workspace %s: %w", workspaceID, err)
	}

	w.mu.Lock()
	// Another goroutine may have raced us to open this same workspace;
	// keep whichever entry lands first and close the loser.
	if existing, ok := w.pools[workspaceID]; ok {
		w.mu.Unlock()
		pool.Close()
		existing.lastUsed = time.Now()
		return existing.pool, nil
	}
	w.pools[workspaceID] = &pooledWorkspace{pool: pool, lastUsed: time.Now()}
	w.mu.Unlock()

	return pool, nil
}

// runEviction periodically closes pools unused for longer than
// cfg.WorkspaceIdleEvict.
func (w *WorkspaceConns) runEviction() {
	interval := w.cfg.WorkspaceIdleEvict
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.evictIdle()
		case <-w.stopEvict:
			return
		}
	}
}

func (w *WorkspaceConns) evictIdle() {
	cutoff := time.Now().Add(-w.cfg.WorkspaceIdleEvict)

	w.mu.Lock()
	var toClose []*pgxpool.Pool
	for id, entry := range w.pools {
		if entry.lastUsed.Before(cutoff) {
			toClose = append(toClose, entry.pool)
			delete(w.pools, id)
		}
	}
	w.mu.Unlock()

	for _, p := range toClose {
		p.Close()
	}
}

// Close stops the eviction sweep and closes every open workspace pool.
func (w *WorkspaceConns) Close() {
	w.evictOnce.Do(func() { close(w.stopEvict) })

	w.mu.Lock()
	pools := w.pools
	w.pools = make(map[string]*pooledWorkspace)
	w.mu.Unlock()

	for _, entry := range pools {
		entry.pool.Close()
	}
}

// Len reports how many workspace pools are currently open, for tests and
// health reporting.
func (w *WorkspaceConns) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pools)
}
