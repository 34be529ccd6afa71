// Package batchsubmit implements the Batch Submitter job: for one
// workspace, it materializes one provider batch per active model covering
// the Cartesian product of active prompts × that model, submits it, and
// persists a batch record (spec.md §4.3).
//
// Grounded on the teacher's pkg/cleanup.Service shape (a plain service
// struct wrapping WorkspaceConns + repos, exposing a scheduler.HandlerFunc
// method) generalized from a per-workspace sweep to a per-workspace
// provider-submission fan-out, and on pkg/queue's exponential-backoff
// retry helper for the upload/submit call.
package batchsubmit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/entitlements"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

// maxUploadAttempts bounds the exponential-backoff retry on a provider
// upload/submit failure before the batch is written status=failed
// (spec.md §4.3: "retried with exponential backoff up to N attempts").
const maxUploadAttempts = 4

// ProviderRegistry is the subset of *llmprovider.Registry this package
// needs, narrowed to an interface so tests can inject fake providers
// without touching the real registry's unexported provider map.
type ProviderRegistry interface {
	Get(tag catalog.Provider) (llmprovider.Provider, bool)
}

// Service implements the Batch Submitter.
type Service struct {
	workspaces    *database.WorkspaceConns
	billingRepo   *store.BillingProfileRepo
	workspaceRepo *store.WorkspaceRepo
	entitlements  *entitlements.Service
	providers     ProviderRegistry

	// sleep is the backoff delay function, overridable in tests.
	sleep func(time.Duration)
}

// NewService builds a batchsubmit Service.
func NewService(
	workspaces *database.WorkspaceConns,
	billingRepo *store.BillingProfileRepo,
	workspaceRepo *store.WorkspaceRepo,
	ent *entitlements.Service,
	providers ProviderRegistry,
) *Service {
	return &Service{
		workspaces:    workspaces,
		billingRepo:   billingRepo,
		workspaceRepo: workspaceRepo,
		entitlements:  ent,
		providers:     providers,
		sleep:         time.Sleep,
	}
}

// WithSleepFunc overrides the backoff delay function, used by tests to
// exercise the retry path without waiting in real time.
func (s *Service) WithSleepFunc(sleep func(time.Duration)) *Service {
	s.sleep = sleep
	return s
}

// Payload is the job handler's input contract (spec.md §4.3: "{ workspaceId }").
type Payload struct {
	WorkspaceID string `json:"workspaceId"`
}

// Handler is the scheduler.HandlerFunc registered for jobnames.SubmitBatch.
func (s *Service) Handler(ctx context.Context, h scheduler.Handle, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding submit-batch payload: %w", err)
	}
	h.Progress(ctx, fmt.Sprintf("submitting batches for workspace %s", p.WorkspaceID))
	return s.RunForWorkspace(ctx, p.WorkspaceID)
}

// RunForWorkspace executes the algorithm in spec.md §4.3 for one workspace.
func (s *Service) RunForWorkspace(ctx context.Context, workspaceID string) error {
	started := time.Now()
	jobErr := s.runForWorkspace(ctx, workspaceID)

	pool, err := s.workspaces.Acquire(ctx, workspaceID)
	if err != nil {
		// The workspace pool is also needed to log the outcome; if even
		// that fails, surface the original job error (or this one).
		if jobErr != nil {
			return jobErr
		}
		return fmt.Errorf("acquiring workspace pool %s to log job history: %w", workspaceID, err)
	}

	status := "succeeded"
	var errs []string
	if jobErr != nil {
		status = "failed"
		errs = []string{jobErr.Error()}
	}
	ended := time.Now()
	runtimeMs := ended.Sub(started).Milliseconds()
	if recErr := store.NewJobHistoryRepo(pool).Record(ctx, store.JobHistory{
		JobName:   "submit-batch",
		Status:    status,
		StartedAt: started,
		EndedAt:   &ended,
		RuntimeMs: &runtimeMs,
		Errors:    errs,
	}); recErr != nil {
		slog.Error("recording submit-batch job history failed", "workspace_id", workspaceID, "error", recErr)
	}

	return jobErr
}

func (s *Service) runForWorkspace(ctx context.Context, workspaceID string) error {
	ws, err := s.workspaceRepo.Get(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", workspaceID, err)
	}
	profile, err := s.billingRepo.Get(ctx, ws.BillingProfileID)
	if err != nil {
		return fmt.Errorf("loading billing profile for workspace %s: %w", workspaceID, err)
	}

	pool, err := s.workspaces.Acquire(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("acquiring workspace pool %s: %w", workspaceID, err)
	}

	prompts, err := store.NewPromptRepo(pool).ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active prompts for workspace %s: %w", workspaceID, err)
	}
	if len(prompts) == 0 {
		return nil
	}

	models := modelSetForProfile(*profile)
	if len(models) == 0 {
		return nil
	}

	batchRepo := store.NewBatchRepo(pool)
	grouped := groupByProvider(models)

	var firstErr error
	for provider, providerModels := range grouped {
		impl, ok := s.providers.Get(provider)
		if !ok {
			slog.Warn("skipping models for unconfigured provider", "workspace_id", workspaceID, "provider", provider)
			continue
		}
		for _, model := range providerModels {
			if err := s.submitOneModel(ctx, workspaceID, batchRepo, impl, model, prompts); err != nil {
				slog.Error("submitting batch failed", "workspace_id", workspaceID, "model_id", model.ID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// modelSetForProfile computes M ∩ allowedModels(billingProfile): the
// active catalog models this profile's plan permits.
func modelSetForProfile(profile store.BillingProfile) []catalog.Model {
	allowed := make(map[string]bool, len(profile.AllowedModels))
	for _, id := range profile.AllowedModels {
		allowed[id] = true
	}
	var out []catalog.Model
	for _, m := range catalog.Active() {
		if allowed[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func groupByProvider(models []catalog.Model) map[catalog.Provider][]catalog.Model {
	out := make(map[catalog.Provider][]catalog.Model)
	for _, m := range models {
		out[m.Provider] = append(out[m.Provider], m)
	}
	return out
}

// submitOneModel builds, uploads, and persists one batch for a single
// model, skipping it if one is already in flight for this (workspace,
// model) pair.
func (s *Service) submitOneModel(
	ctx context.Context,
	workspaceID string,
	batchRepo *store.BatchRepo,
	impl llmprovider.Provider,
	model catalog.Model,
	prompts []store.Prompt,
) error {
	inFlight, err := batchRepo.InFlightForModel(ctx, model.ID)
	if err != nil {
		return fmt.Errorf("checking in-flight batch for model %s: %w", model.ID, err)
	}
	if inFlight != nil {
		return nil
	}

	now := time.Now()
	lines := make([]llmprovider.RequestLine, 0, len(prompts))
	requests := make([]store.BatchRequestMeta, 0, len(prompts))
	for _, p := range prompts {
		customID := fmt.Sprintf("%s-%s-%s-%d", workspaceID, p.ID, model.ID, now.UnixMilli())
		line, err := impl.BuildRequest(customID, model.ID, p.Phrase, model.Generation)
		if err != nil {
			return fmt.Errorf("building request for prompt %s/model %s: %w", p.ID, model.ID, err)
		}
		lines = append(lines, line)
		requests = append(requests, store.BatchRequestMeta{CustomID: customID, PromptID: p.ID, ModelID: model.ID})
	}

	submitted, err := s.submitWithRetry(ctx, impl, model.ID, lines)
	if err != nil {
		failedBatch := store.Batch{
			ID:          uuid.New().String(),
			Provider:    string(model.Provider),
			ModelID:     model.ID,
			Status:      store.BatchStatusFailed,
			Requests:    requests,
			SubmittedAt: &now,
		}
		if createErr := batchRepo.Create(ctx, failedBatch); createErr != nil {
			slog.Error("recording failed batch submission failed", "workspace_id", workspaceID, "model_id", model.ID, "error", createErr)
		}
		return fmt.Errorf("submitting batch for model %s after retries: %w", model.ID, err)
	}

	return batchRepo.Create(ctx, store.Batch{
		ID:              uuid.New().String(),
		Provider:        string(model.Provider),
		ProviderBatchID: submitted.ProviderBatchID,
		ModelID:         model.ID,
		Status:          store.BatchStatusSubmitted,
		RequestCount:    submitted.RequestCount,
		SubmittedAt:     &now,
		Requests:        requests,
	})
}

func (s *Service) submitWithRetry(ctx context.Context, impl llmprovider.Provider, modelID string, lines []llmprovider.RequestLine) (llmprovider.SubmittedBatch, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		submitted, err := impl.SubmitBatch(ctx, modelID, lines)
		if err == nil {
			return submitted, nil
		}
		lastErr = err
		if attempt == maxUploadAttempts {
			break
		}
		s.sleep(backoff)
		backoff *= 2
	}
	return llmprovider.SubmittedBatch{}, lastErr
}
