package batchprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

// pollStatusToBatchStatus maps a provider's upstream lifecycle state onto
// the local BatchStatus enum; PollCompleted isn't in this table because it
// resolves to BatchStatusReceived via MarkReceived, not a plain status write.
var pollStatusToBatchStatus = map[llmprovider.PollStatus]store.BatchStatus{
	llmprovider.PollValidating: store.BatchStatusValidating,
	llmprovider.PollInProgress: store.BatchStatusInProgress,
	llmprovider.PollFailed:     store.BatchStatusFailed,
	llmprovider.PollExpired:    store.BatchStatusExpired,
	llmprovider.PollCancelled:  store.BatchStatusCancelled,
}

// RunPollSweep implements jobnames.PollBatchStatus: across every workspace,
// it first drains unprocessed BatchNotification rows (the push path) and
// then polls providers directly for any batch still in flight that no
// notification reached (the pull path). Either path's sole externally
// visible effect is flipping a batch's status — the received → processed
// transition itself belongs to ProcessBatch, triggered by the Change Router
// observing that flip.
func (s *Service) RunPollSweep(ctx context.Context, h scheduler.Handle) error {
	workspaces, err := s.workspaceRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing workspaces for poll sweep: %w", err)
	}

	for i, ws := range workspaces {
		if i > 0 && i%touchEvery == 0 && h != nil {
			if err := h.Touch(ctx); err != nil {
				slog.Warn("extending lock during poll sweep failed", "error", err)
			}
		}
		s.pollOneWorkspace(ctx, ws.ID)
	}
	return nil
}

// PollHandler is the scheduler.HandlerFunc registered for
// jobnames.PollBatchStatus. It takes no per-workspace payload — the sweep
// covers every workspace in one run.
func (s *Service) PollHandler(ctx context.Context, h scheduler.Handle, _ json.RawMessage) error {
	h.Progress(ctx, "polling batch status across workspaces")
	return s.RunPollSweep(ctx, h)
}

func (s *Service) pollOneWorkspace(ctx context.Context, workspaceID string) {
	pool, err := s.workspaces.Acquire(ctx, workspaceID)
	if err != nil {
		slog.Error("acquiring workspace pool for poll sweep failed", "workspace_id", workspaceID, "error", err)
		return
	}

	batchRepo := store.NewBatchRepo(pool)
	notificationRepo := store.NewBatchNotificationRepo(pool)

	if err := s.drainNotifications(ctx, workspaceID, batchRepo, notificationRepo); err != nil {
		slog.Error("draining batch notifications failed", "workspace_id", workspaceID, "error", err)
	}
	if err := s.pollProviders(ctx, workspaceID, batchRepo); err != nil {
		slog.Error("polling providers for batch status failed", "workspace_id", workspaceID, "error", err)
	}
}

// drainNotifications consumes every unprocessed BatchNotification, flipping
// its referenced batch to received. Duplicate notifications for an
// already-received or already-processed batch are tolerated: MarkReceived's
// UPDATE runs again harmlessly and the notification is still marked consumed
// (spec.md §8 Scenario B — "exactly one AnswerRecord per request" is
// guaranteed downstream by ProcessBatch's isProcessed guard, not here).
func (s *Service) drainNotifications(ctx context.Context, workspaceID string, batchRepo *store.BatchRepo, notificationRepo *store.BatchNotificationRepo) error {
	notifications, err := notificationRepo.ListUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("listing unprocessed notifications: %w", err)
	}

	for _, n := range notifications {
		if n.BatchID == "" {
			slog.Warn("batch notification carries no batch id, marking processed without action",
				"workspace_id", workspaceID, "notification_id", n.ID)
			if err := notificationRepo.MarkProcessed(ctx, n.ID); err != nil {
				return fmt.Errorf("marking unresolvable notification %s processed: %w", n.ID, err)
			}
			continue
		}

		batch, err := batchRepo.Get(ctx, n.BatchID)
		if err != nil {
			slog.Warn("batch referenced by notification is missing, marking processed",
				"workspace_id", workspaceID, "notification_id", n.ID, "batch_id", n.BatchID, "error", err)
			if merr := notificationRepo.MarkProcessed(ctx, n.ID); merr != nil {
				return fmt.Errorf("marking notification %s processed after missing batch: %w", n.ID, merr)
			}
			continue
		}

		if batch.Status.InFlight() {
			if err := batchRepo.MarkReceived(ctx, batch.ID, nil, n.OutputRef, time.Now()); err != nil {
				return fmt.Errorf("marking batch %s received from notification: %w", batch.ID, err)
			}
		}
		if err := notificationRepo.MarkProcessed(ctx, n.ID); err != nil {
			return fmt.Errorf("marking notification %s processed: %w", n.ID, err)
		}
	}
	return nil
}

// pollProviders checks every batch still awaiting a push notification
// directly against its upstream provider, advancing its local status (and,
// on completion, fetching the output reference and marking it received).
func (s *Service) pollProviders(ctx context.Context, workspaceID string, batchRepo *store.BatchRepo) error {
	awaiting, err := batchRepo.ListAwaitingPoll(ctx)
	if err != nil {
		return fmt.Errorf("listing batches awaiting poll: %w", err)
	}

	for _, batch := range awaiting {
		model, ok := catalog.ByID(batch.ModelID)
		if !ok {
			slog.Warn("batch references unknown model, skipping poll", "workspace_id", workspaceID, "batch_id", batch.ID, "model_id", batch.ModelID)
			continue
		}
		impl, ok := s.providers.Get(model.Provider)
		if !ok {
			slog.Warn("provider not configured, skipping poll", "workspace_id", workspaceID, "batch_id", batch.ID, "provider", model.Provider)
			continue
		}

		result, err := impl.PollBatch(ctx, batch.ProviderBatchID)
		if err != nil {
			slog.Warn("polling provider batch status failed", "workspace_id", workspaceID, "batch_id", batch.ID, "error", err)
			continue
		}

		if result.Status == llmprovider.PollCompleted {
			if err := batchRepo.MarkReceived(ctx, batch.ID, nil, result.OutputRef, time.Now()); err != nil {
				slog.Error("marking polled batch received failed", "workspace_id", workspaceID, "batch_id", batch.ID, "error", err)
			}
			continue
		}

		if newStatus, ok := pollStatusToBatchStatus[result.Status]; ok && newStatus != batch.Status {
			if err := batchRepo.SetStatus(ctx, batch.ID, newStatus); err != nil {
				slog.Error("updating polled batch status failed", "workspace_id", workspaceID, "batch_id", batch.ID, "error", err)
			}
		}
	}
	return nil
}
