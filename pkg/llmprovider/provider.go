// Package llmprovider is the provider-capability abstraction: one
// interface implemented once per upstream batch API, so that submitting a
// batch, polling its status, extracting results, and running a single
// synchronous completion (for sentiment analysis) never branch on a
// provider tag outside this package.
//
// Grounded on the teacher's model.Client pattern (features/model/openai in
// the example pack: a narrow interface wrapping one upstream SDK, adapted
// request/response shapes at the boundary) generalized from "one
// synchronous chat client" to "a batch-capable provider plus a synchronous
// Complete call", per spec.md §9's "adding a third batch provider requires
// only a new Provider implementation".
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brandsignal/batchworks/pkg/catalog"
)

// RequestLine is one encoded request destined for a provider's batch
// input file, carrying the custom_id the processor later resolves back to
// a (workspaceId, promptId, modelId).
type RequestLine struct {
	CustomID string
	Body     []byte // one ndjson-ready line, provider-native shape
}

// SubmittedBatch is what a provider hands back once a batch of requests has
// been accepted for asynchronous processing.
type SubmittedBatch struct {
	ProviderBatchID string
	RequestCount    int
}

// PollStatus is a provider-neutral view of a batch's upstream lifecycle
// state, mapped by each provider onto store.BatchStatus at the call site.
type PollStatus string

const (
	PollValidating PollStatus = "validating"
	PollInProgress PollStatus = "in_progress"
	PollCompleted  PollStatus = "completed"
	PollFailed     PollStatus = "failed"
	PollExpired    PollStatus = "expired"
	PollCancelled  PollStatus = "cancelled"
)

// PollResult reports a batch's current upstream state and, once completed,
// where its output lives.
type PollResult struct {
	Status    PollStatus
	OutputRef string // provider-native output file id or object URI
}

// ResultLine is one decoded line of provider batch output, resolved back
// to the request it answers via CustomID.
type ResultLine struct {
	CustomID   string
	Text       string
	TokenCount int
	Raw        json.RawMessage
}

// Provider is implemented once per upstream batch API (OpenAI-style,
// Gemini-style, ...). Every method is provider-native at the edges
// (RequestLine.Body, ResultLine.Raw) but provider-neutral in shape, so
// pkg/batchsubmit and pkg/batchprocess never import a provider
// package directly.
type Provider interface {
	// Name identifies this provider's catalog tag.
	Name() catalog.Provider

	// BuildRequest renders one catalog model + prompt into a RequestLine,
	// applying the model's default generation parameters (including the
	// o1-class max_completion_tokens / no-temperature swap).
	BuildRequest(customID, modelID, prompt string, gen catalog.GenerationParams) (RequestLine, error)

	// SubmitBatch uploads a request file built from lines and creates the
	// upstream batch job against modelID — every line must have been built
	// with that same model, since a batch job targets exactly one model.
	SubmitBatch(ctx context.Context, modelID string, lines []RequestLine) (SubmittedBatch, error)

	// PollBatch checks a previously submitted batch's upstream status.
	PollBatch(ctx context.Context, providerBatchID string) (PollResult, error)

	// FetchResults downloads and decodes a completed batch's output,
	// referenced by the OutputRef returned from PollBatch (or carried in a
	// BatchNotification for providers that push rather than get polled).
	FetchResults(ctx context.Context, providerBatchID, outputRef string) ([]ResultLine, error)

	// Complete runs one synchronous text completion, used for sentiment
	// analysis rather than the batch path.
	Complete(ctx context.Context, modelID, prompt string, gen catalog.SentimentParams) (string, error)
}

// ErrProviderNotConfigured names the case where no provider is registered
// for a catalog.Provider tag — its credentials were absent at startup, so it
// was omitted from the registry rather than failing boot. Registry.Get does
// not return this error; it reports the case through its boolean result.
var ErrProviderNotConfigured = fmt.Errorf("llmprovider: provider not configured")
