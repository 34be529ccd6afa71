// batchworks runs the tenant job scheduler, the change router, and the
// webhook receiver in one process — mirroring the teacher's cmd/tarsy
// single-binary wiring of config, database, and a minimal Gin health
// server, generalized to the additional long-running components this
// system needs (scheduler workers, Change Router LISTEN streams).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/brandsignal/batchworks/pkg/batchprocess"
	"github.com/brandsignal/batchworks/pkg/batchsubmit"
	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/cleanup"
	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/entitlements"
	"github.com/brandsignal/batchworks/pkg/jobnames"
	"github.com/brandsignal/batchworks/pkg/kv"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
	"github.com/brandsignal/batchworks/pkg/router"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
	"github.com/brandsignal/batchworks/pkg/version"
	"github.com/brandsignal/batchworks/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "directory holding the .env file")
	flag.Parse()

	cfg, err := config.Load(filepath.Join(*configDir, ".env"))
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	if err := catalog.LoadOverrides(filepath.Join(*configDir, "models.yaml")); err != nil {
		slog.Error("loading model catalog overrides failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shared, err := database.NewSharedPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("opening shared database pool failed", "error", err)
		os.Exit(1)
	}
	defer shared.Close()

	workspaces := database.NewWorkspaceConns(cfg.Database)
	defer workspaces.Close()

	kvClient, err := kv.New(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		slog.Error("connecting to redis failed", "error", err)
		os.Exit(1)
	}
	defer kvClient.Close()

	id := instanceID()
	slog.Info("starting batchworks", "instance_id", id, "version", version.Full())

	workspaceRepo := store.NewWorkspaceRepo(shared.Pool)
	billingRepo := store.NewBillingProfileRepo(shared.Pool)
	ruleRepo := store.NewListenerRuleRepo(shared.Pool)

	providers := llmprovider.NewRegistry(cfg.Providers)
	slog.Info("llm providers configured", "providers", providers.Configured())

	entSvc := entitlements.NewService(billingRepo, workspaceRepo)
	submitSvc := batchsubmit.NewService(workspaces, billingRepo, workspaceRepo, entSvc, providers)
	processSvc := batchprocess.NewService(workspaces, workspaceRepo, providers, kv.NewRateLimiter(kvClient))
	retentionSvc := cleanup.NewService(workspaces, workspaceRepo, billingRepo)

	sched := scheduler.New(shared.Pool, cfg.Scheduler, id)
	sched.DefineJob(jobnames.SubmitBatch, scheduler.JobOptions{Concurrency: 1}, submitSvc.Handler)
	sched.DefineJob(jobnames.ProcessBatch, scheduler.JobOptions{Concurrency: 3}, processSvc.Handler)
	sched.DefineJob(jobnames.PollBatchStatus, scheduler.JobOptions{
		Concurrency:  1,
		LockLifetime: cfg.Scheduler.LongRunningLockLifetime,
	}, processSvc.PollHandler)
	sched.DefineJob(jobnames.EnforceRetention, scheduler.JobOptions{Concurrency: 1}, retentionSvc.Handler)

	rtr := router.New(cfg.Database, cfg.Router, ruleRepo, sched, id)

	if err := bootstrap(ctx, workspaceRepo, ruleRepo, sched, cfg.Retention.SweepInterval); err != nil {
		slog.Error("bootstrapping recurring jobs and listener rules failed", "error", err)
		os.Exit(1)
	}

	sched.Start(ctx)
	defer sched.Stop()

	if err := rtr.Start(ctx); err != nil {
		slog.Error("starting change router failed", "error", err)
		os.Exit(1)
	}
	defer rtr.Stop()

	webhookSrv := webhook.NewServer(cfg.Providers.BatchWebhookURL, shared, workspaces, kvClient, sched, rtr)
	go func() {
		if err := webhookSrv.Start(":" + cfg.HTTPPort); err != nil {
			slog.Error("webhook server exited", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down batchworks")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()
	if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("webhook server shutdown failed", "error", err)
	}
}

// bootstrap seeds the recurring top-level jobs (poll sweep, retention
// sweep) and, for every existing workspace, a repeating submit-batch tick
// and the listener rule that drives process-batch once a batch flips to
// received. Re-running on every startup is safe: Enqueue upserts on
// (name, uniqueKey) and ensureProcessBatchRule is idempotent on rule id.
func bootstrap(ctx context.Context, workspaceRepo *store.WorkspaceRepo, ruleRepo *store.ListenerRuleRepo, sched *scheduler.Scheduler, retentionEvery time.Duration) error {
	if err := sched.Enqueue(ctx, jobnames.PollBatchStatus, struct{}{}, scheduler.EnqueueOptions{
		RepeatEvery: time.Minute,
		UniqueKey:   "global",
	}); err != nil {
		return fmt.Errorf("scheduling poll-batch-status sweep: %w", err)
	}
	if err := sched.Enqueue(ctx, jobnames.EnforceRetention, struct{}{}, scheduler.EnqueueOptions{
		RepeatEvery: retentionEvery,
		UniqueKey:   "global",
	}); err != nil {
		return fmt.Errorf("scheduling enforce-retention sweep: %w", err)
	}

	workspaces, err := workspaceRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing workspaces to bootstrap: %w", err)
	}
	for _, ws := range workspaces {
		if err := sched.Enqueue(ctx, jobnames.SubmitBatch, batchsubmitPayload(ws.ID), scheduler.EnqueueOptions{
			RepeatEvery: 24 * time.Hour,
			UniqueKey:   ws.ID,
		}); err != nil {
			return fmt.Errorf("scheduling submit-batch for workspace %s: %w", ws.ID, err)
		}
		if err := ensureProcessBatchRule(ctx, ruleRepo, ws.ID); err != nil {
			return fmt.Errorf("ensuring process-batch listener rule for workspace %s: %w", ws.ID, err)
		}
	}
	return nil
}

func batchsubmitPayload(workspaceID string) any {
	return struct {
		WorkspaceID string `json:"workspaceId"`
	}{WorkspaceID: workspaceID}
}

// ensureProcessBatchRule installs the declarative binding that lets the
// Change Router drive jobnames.ProcessBatch whenever a batch row flips to
// received and isn't yet processed, rather than batchprocess enqueuing
// itself (spec.md §4.2 Scenario E: rule change propagation governs every
// table-to-job binding in this system, including this one).
func ensureProcessBatchRule(ctx context.Context, ruleRepo *store.ListenerRuleRepo, workspaceID string) error {
	id := "process-batch:" + workspaceID
	if _, err := ruleRepo.Get(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return ruleRepo.Create(ctx, store.ListenerRule{
		ID:          id,
		WorkspaceID: workspaceID,
		TargetTable: "batches",
		Filter:      map[string]any{"status": "received", "is_processed": false},
		Operations:  []string{"UPDATE"},
		JobName:     string(jobnames.ProcessBatch),
		Active:      true,
	})
}
