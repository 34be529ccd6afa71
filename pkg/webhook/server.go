// Package webhook serves the inbound batch-completion push notifications
// providers deliver out-of-band (spec.md §6), plus a liveness probe.
// Grounded on the teacher's cmd/tarsy/main.go: a minimal gin.Engine
// distinct from the echo-based API server elsewhere in the teacher repo,
// used there for exactly this shape of thing — one POST handler and a
// /health endpoint wired straight to the database client.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/kv"
	"github.com/brandsignal/batchworks/pkg/router"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

// defaultPath is used when BatchWebhookURL is unset or unparseable —
// operators can still reach the receiver at a fixed path during local
// development.
const defaultPath = "/webhooks/batch-completion"

// Server hosts the batch-completion receiver and health probe.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	shared     *database.SharedPool
	workspaces *database.WorkspaceConns
	kv         *kv.Client
	sched      *scheduler.Scheduler
	rtr        *router.Router
}

// NewServer builds a Server. webhookURL is config.ProviderConfig.BatchWebhookURL;
// its path component becomes the POST route, falling back to defaultPath.
func NewServer(
	webhookURL string,
	shared *database.SharedPool,
	workspaces *database.WorkspaceConns,
	kvClient *kv.Client,
	sched *scheduler.Scheduler,
	rtr *router.Router,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:     gin.New(),
		shared:     shared,
		workspaces: workspaces,
		kv:         kvClient,
		sched:      sched,
		rtr:        rtr,
	}
	s.engine.Use(gin.Recovery())

	path := defaultPath
	if webhookURL != "" {
		if u, err := url.Parse(webhookURL); err == nil && u.Path != "" {
			path = u.Path
		}
	}

	s.engine.POST(path, s.handleBatchCompletion)
	s.engine.GET("/healthz", s.handleHealthz)
	return s
}

// ServeHTTP lets a *Server stand in for an http.Handler directly, used by
// tests via httptest without going through Start.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Start listens on addr until the server is shut down. It blocks the
// caller, same as gin.Engine.Run, but via http.Server so Shutdown works.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("webhook server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// workspacePool resolves a tenant's pool the same way every job handler
// does, via database.WorkspaceConns.Acquire.
func (s *Server) workspacePool(ctx context.Context, workspaceID string) (*store.BatchRepo, *store.BatchNotificationRepo, error) {
	pool, err := s.workspaces.Acquire(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring workspace pool %s: %w", workspaceID, err)
	}
	return store.NewBatchRepo(pool), store.NewBatchNotificationRepo(pool), nil
}
