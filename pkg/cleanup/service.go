// Package cleanup enforces each billing profile's data-retention window by
// purging old AnswerRecord and JobHistory rows from every workspace sharing
// that profile. Grounded on the teacher's pkg/cleanup.Service (soft-delete
// old sessions + orphaned events on a ticker), generalized from a single
// hard-coded retention pair to one retention window per BillingProfile and
// wired through the durable job queue (jobnames.EnforceRetention) instead of
// a second, standalone ticker goroutine — the scheduler already owns
// periodic execution, so retention becomes just another repeating job.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

// Service purges AnswerRecord and JobHistory rows past a workspace's
// billing profile's data-retention window.
type Service struct {
	workspaces    *database.WorkspaceConns
	workspaceRepo *store.WorkspaceRepo
	billingRepo   *store.BillingProfileRepo
}

// NewService builds a retention Service.
func NewService(workspaces *database.WorkspaceConns, workspaceRepo *store.WorkspaceRepo, billingRepo *store.BillingProfileRepo) *Service {
	return &Service{
		workspaces:    workspaces,
		workspaceRepo: workspaceRepo,
		billingRepo:   billingRepo,
	}
}

// RunAll sweeps every workspace once, purging AnswerRecord and JobHistory
// rows older than its billing profile's data_retention_days. A failure on
// one workspace is logged and does not stop the sweep over the rest.
func (s *Service) RunAll(ctx context.Context) error {
	workspaces, err := s.workspaceRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing workspaces for retention sweep: %w", err)
	}

	for _, ws := range workspaces {
		if err := s.runOne(ctx, ws); err != nil {
			slog.Error("retention sweep failed for workspace", "workspace_id", ws.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) runOne(ctx context.Context, ws store.Workspace) error {
	profile, err := s.billingRepo.Get(ctx, ws.BillingProfileID)
	if err != nil {
		return fmt.Errorf("loading billing profile %s: %w", ws.BillingProfileID, err)
	}
	if profile.DataRetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -profile.DataRetentionDays)

	pool, err := s.workspaces.Acquire(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("acquiring workspace pool %s: %w", ws.ID, err)
	}

	answers := store.NewAnswerRecordRepo(pool)
	purgedAnswers, err := answers.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging answer records for workspace %s: %w", ws.ID, err)
	}

	histories := store.NewJobHistoryRepo(pool)
	purgedHistories, err := histories.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging job histories for workspace %s: %w", ws.ID, err)
	}

	if purgedAnswers > 0 || purgedHistories > 0 {
		slog.Info("retention sweep purged rows",
			"workspace_id", ws.ID, "answer_records", purgedAnswers, "job_histories", purgedHistories,
			"cutoff", cutoff)
	}
	return nil
}

// Handler is the scheduler.HandlerFunc registered for jobnames.EnforceRetention.
func (s *Service) Handler(ctx context.Context, h scheduler.Handle, _ json.RawMessage) error {
	h.Progress(ctx, "sweeping workspaces")
	return s.RunAll(ctx)
}
