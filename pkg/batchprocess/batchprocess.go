// Package batchprocess implements the Batch Result Processor job: for a
// batch that has transitioned to received, it converts provider output
// into AnswerRecords, annotates each with brand-aware sentiment, and marks
// the batch processed (spec.md §4.4). It also implements jobnames.PollBatchStatus,
// the sweep that drives batches toward received in the first place —
// draining pushed BatchNotification rows and polling providers directly for
// batches that received neither (spec.md §4.4's state machine: "Transitions
// to received are performed by either a poll or a BatchNotification-triggered
// job").
//
// Grounded on the teacher's pkg/cleanup.Service shape (a workspace-sweeping
// service exposing a scheduler.HandlerFunc), generalized from a per-workspace
// purge sweep to a per-batch result fan-out with a rate limited secondary LLM
// call per row, and from a single sweep to two (result fan-out, status poll).
package batchprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/kv"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/sentiment"
	"github.com/brandsignal/batchworks/pkg/store"
)

// sentimentInterCallDelay is the bounded pause between successive
// sentiment calls within one batch's fan-out (spec.md §4.4: "Apply a
// bounded inter-call delay (≥150 ms) to respect provider rate limits").
const sentimentInterCallDelay = 150 * time.Millisecond

// sentimentRateLimit and sentimentRateWindow bound sentiment calls per
// provider beyond the fixed inter-call delay, using the shared rolling
// window limiter (spec.md §5).
const (
	sentimentRateLimit  = 60
	sentimentRateWindow = time.Minute
)

// touchEvery controls how often the processor extends its job lock while
// fanning out a batch's results (spec.md §4.4: "Periodically call touch()
// to extend the lock during long fan-outs").
const touchEvery = 10

// ProviderRegistry is the subset of *llmprovider.Registry this package
// needs.
type ProviderRegistry interface {
	Get(tag catalog.Provider) (llmprovider.Provider, bool)
	SentimentProvider() (llmprovider.Provider, bool)
}

// Service implements the Batch Result Processor and the batch-status
// poll/notification-drain sweep.
type Service struct {
	workspaces    *database.WorkspaceConns
	workspaceRepo *store.WorkspaceRepo
	providers     ProviderRegistry
	rateLimiter   *kv.RateLimiter

	sleep func(time.Duration)
}

// NewService builds a batchprocess Service.
func NewService(
	workspaces *database.WorkspaceConns,
	workspaceRepo *store.WorkspaceRepo,
	providers ProviderRegistry,
	rateLimiter *kv.RateLimiter,
) *Service {
	return &Service{
		workspaces:    workspaces,
		workspaceRepo: workspaceRepo,
		providers:     providers,
		rateLimiter:   rateLimiter,
		sleep:         time.Sleep,
	}
}

// WithSleepFunc overrides the inter-call delay function, used by tests.
func (s *Service) WithSleepFunc(sleep func(time.Duration)) *Service {
	s.sleep = sleep
	return s
}

// Payload is the Batch Result Processor's input contract (spec.md §4.4:
// "{ workspaceId, documentId }", documentId being the batch id).
type Payload struct {
	WorkspaceID string `json:"workspaceId"`
	DocumentID  string `json:"documentId"`
}

// Handler is the scheduler.HandlerFunc registered for jobnames.ProcessBatch.
func (s *Service) Handler(ctx context.Context, h scheduler.Handle, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding process-batch payload: %w", err)
	}
	return s.ProcessBatch(ctx, h, p.WorkspaceID, p.DocumentID)
}

// ProcessBatch runs the algorithm in spec.md §4.4 for one batch.
func (s *Service) ProcessBatch(ctx context.Context, h scheduler.Handle, workspaceID, batchID string) error {
	started := time.Now()
	pool, err := s.workspaces.Acquire(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("acquiring workspace pool %s: %w", workspaceID, err)
	}

	batchRepo := store.NewBatchRepo(pool)
	batch, err := batchRepo.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("loading batch %s: %w", batchID, err)
	}
	if batch.IsProcessed {
		return nil // idempotent no-op (spec.md §4.4 step 1)
	}

	stats, procErr := s.fanOut(ctx, h, pool, batch)

	var recordErrs []string
	if procErr != nil {
		recordErrs = []string{procErr.Error()}
	}
	ended := time.Now()
	runtimeMs := ended.Sub(started).Milliseconds()
	status := "succeeded"
	if procErr != nil {
		status = "failed"
	}
	if recErr := store.NewJobHistoryRepo(pool).Record(ctx, store.JobHistory{
		JobName: "process-batch", Status: status, StartedAt: started, EndedAt: &ended,
		RuntimeMs: &runtimeMs, APICalls: stats.SavedResults + stats.SentimentCompleted + stats.SentimentFailed,
		Errors: recordErrs,
	}); recErr != nil {
		slog.Error("recording process-batch job history failed", "batch_id", batchID, "error", recErr)
	}
	if procErr != nil {
		return procErr
	}

	if _, err := batchRepo.MarkProcessed(ctx, batchID, stats, ended); err != nil {
		return fmt.Errorf("marking batch %s processed: %w", batchID, err)
	}
	return nil
}

func (s *Service) fanOut(ctx context.Context, h scheduler.Handle, pool *pgxpool.Pool, batch *store.Batch) (store.ProcessingStats, error) {
	model, ok := catalog.ByID(batch.ModelID)
	if !ok {
		return store.ProcessingStats{}, fmt.Errorf("batch %s references unknown model %s", batch.ID, batch.ModelID)
	}
	impl, ok := s.providers.Get(model.Provider)
	if !ok {
		return store.ProcessingStats{}, fmt.Errorf("provider %s not configured for batch %s", model.Provider, batch.ID)
	}

	results, err := impl.FetchResults(ctx, batch.ProviderBatchID, batch.OutputRef)
	if err != nil {
		return store.ProcessingStats{}, fmt.Errorf("fetching results for batch %s: %w", batch.ID, err)
	}

	requestsByCustomID := make(map[string]store.BatchRequestMeta, len(batch.Requests))
	for _, r := range batch.Requests {
		requestsByCustomID[r.CustomID] = r
	}

	brands, err := store.NewBrandRepo(pool).ListActive(ctx)
	if err != nil {
		return store.ProcessingStats{}, fmt.Errorf("listing active brands for batch %s: %w", batch.ID, err)
	}

	promptRepo := store.NewPromptRepo(pool)
	answerRepo := store.NewAnswerRecordRepo(pool)
	sentimentImpl, hasSentiment := s.providers.SentimentProvider()
	var sentimentModel catalog.Model
	if hasSentiment {
		sentimentModel, hasSentiment = firstActiveModelFor(sentimentImpl.Name())
	}

	var stats store.ProcessingStats
	stats.TotalResults = len(results)
	for i, result := range results {
		if i > 0 && i%touchEvery == 0 {
			if err := h.Touch(ctx); err != nil {
				slog.Warn("extending lock during batch fan-out failed", "batch_id", batch.ID, "error", err)
			}
		}

		req, ok := requestsByCustomID[result.CustomID]
		if !ok {
			slog.Warn("result custom_id not found in batch metadata, skipping", "batch_id", batch.ID, "custom_id", result.CustomID)
			continue
		}
		prompt, err := promptRepo.Get(ctx, req.PromptID)
		if err != nil {
			slog.Warn("prompt referenced by result is missing, skipping", "batch_id", batch.ID, "prompt_id", req.PromptID, "error", err)
			continue
		}

		resultModelName := req.ModelID
		if m, ok := catalog.ByID(req.ModelID); ok {
			resultModelName = m.DisplayName
		}

		answer := store.AnswerRecord{
			ID:           result.CustomID,
			CustomID:     result.CustomID,
			PromptID:     req.PromptID,
			PromptText:   prompt.Phrase,
			ModelID:      req.ModelID,
			ModelName:    resultModelName,
			Provider:     string(model.Provider),
			ResponseText: result.Text,
			TokenCount:   result.TokenCount,
			BatchID:      batch.ID,
		}

		if hasSentiment {
			analysis := s.runSentiment(ctx, sentimentImpl, sentimentModel, result.Text, brands)
			answer.SentimentAnalysis = &analysis
			stats.SentimentCompleted++
		} else {
			stats.SentimentFailed++
		}

		if err := answerRepo.Upsert(ctx, answer); err != nil {
			return stats, fmt.Errorf("upserting answer record %s: %w", result.CustomID, err)
		}
		stats.SavedResults++
	}

	return stats, nil
}

// runSentiment submits the answer text to the sentiment-capable provider
// and parses its reply, applying the rate limit and inter-call delay
// spec.md §4.4 requires. A call failure (as opposed to a parse failure,
// which sentiment.ParseReply already degrades gracefully) still yields the
// default not-determined structure — the processor never fails the whole
// batch over one provider hiccup.
func (s *Service) runSentiment(ctx context.Context, impl llmprovider.Provider, model catalog.Model, answerText string, brands []store.Brand) store.SentimentAnalysis {
	if s.rateLimiter != nil {
		allowed, err := s.rateLimiter.Allow(ctx, string(impl.Name()), "sentiment", sentimentRateLimit, sentimentRateWindow)
		if err != nil {
			slog.Warn("checking sentiment rate limit failed, proceeding without it", "provider", impl.Name(), "error", err)
		} else if !allowed {
			return sentiment.DefaultAnalysis(brands, model.ID)
		}
	}

	prompt := sentiment.BuildAnalysisPrompt(answerText, brands)
	reply, err := impl.Complete(ctx, model.ID, prompt, model.Sentiment)
	s.sleep(sentimentInterCallDelay)
	if err != nil {
		slog.Warn("sentiment completion call failed, using default analysis", "provider", impl.Name(), "error", err)
		return sentiment.DefaultAnalysis(brands, model.ID)
	}
	return sentiment.ParseReply(reply, answerText, brands, model.ID)
}

// firstActiveModelFor returns the first active catalog model for a
// provider tag, used to pick a concrete model id for the sentiment-judge
// Complete call (the registry only tracks which provider is configured,
// not which of its models should judge sentiment).
func firstActiveModelFor(tag catalog.Provider) (catalog.Model, bool) {
	for _, m := range catalog.Active() {
		if m.Provider == tag {
			return m, true
		}
	}
	return catalog.Model{}, false
}
