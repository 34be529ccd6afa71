// Package catalog holds the process-wide, non-persisted catalog of known
// LLM models and their default generation/sentiment parameters.
//
// The catalog is a Go var, not a database table: spec.md is explicit that
// ModelCatalog is "process-wide constant, not persisted".
package catalog

// Provider tags identify which batch API a model is submitted through.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Status marks whether a model is still offered to new workspaces.
type Status string

const (
	StatusActive   Status = "active"
	StatusHistoric Status = "historic"
)

// GenerationParams carries default request-body overrides for a model's
// chat-completion (or equivalent) call.
type GenerationParams struct {
	Temperature      *float64
	MaxTokens        int
	MaxCompletionTok int // used instead of MaxTokens for o1-class models
	IsReasoningModel bool
}

// SentimentParams carries default parameters for a model used as the
// sentiment-analysis judge.
type SentimentParams struct {
	Temperature *float64
	MaxTokens   int
}

// Model is one entry in the catalog.
type Model struct {
	ID          string
	DisplayName string
	Provider    Provider
	Status      Status
	Generation  GenerationParams
	Sentiment   SentimentParams
}

func floatPtr(f float64) *float64 { return &f }

// Models is the ordered, process-wide model catalog. New models are added
// here; existing entries are never removed, only flipped to StatusHistoric,
// so that historical AnswerRecords keep resolving a display name.
var Models = []Model{
	{
		ID:          "gpt-4o",
		DisplayName: "GPT-4o",
		Provider:    ProviderOpenAI,
		Status:      StatusActive,
		Generation:  GenerationParams{Temperature: floatPtr(0.7), MaxTokens: 1024},
		Sentiment:   SentimentParams{Temperature: floatPtr(0.0), MaxTokens: 512},
	},
	{
		ID:          "gpt-4o-mini",
		DisplayName: "GPT-4o mini",
		Provider:    ProviderOpenAI,
		Status:      StatusActive,
		Generation:  GenerationParams{Temperature: floatPtr(0.7), MaxTokens: 1024},
		Sentiment:   SentimentParams{Temperature: floatPtr(0.0), MaxTokens: 512},
	},
	{
		ID:          "o1-mini",
		DisplayName: "o1-mini",
		Provider:    ProviderOpenAI,
		Status:      StatusActive,
		// o1-class models drop temperature and use max_completion_tokens (§4.3).
		Generation: GenerationParams{MaxCompletionTok: 1024, IsReasoningModel: true},
		Sentiment:  SentimentParams{Temperature: floatPtr(0.0), MaxTokens: 512},
	},
	{
		ID:          "gpt-4-turbo",
		DisplayName: "GPT-4 Turbo",
		Provider:    ProviderOpenAI,
		Status:      StatusHistoric,
		Generation:  GenerationParams{Temperature: floatPtr(0.7), MaxTokens: 1024},
		Sentiment:   SentimentParams{Temperature: floatPtr(0.0), MaxTokens: 512},
	},
	{
		ID:          "gemini-1.5-pro",
		DisplayName: "Gemini 1.5 Pro",
		Provider:    ProviderGemini,
		Status:      StatusActive,
		Generation:  GenerationParams{Temperature: floatPtr(0.7), MaxTokens: 1024},
		Sentiment:   SentimentParams{Temperature: floatPtr(0.0), MaxTokens: 512},
	},
	{
		ID:          "gemini-1.5-flash",
		DisplayName: "Gemini 1.5 Flash",
		Provider:    ProviderGemini,
		Status:      StatusActive,
		Generation:  GenerationParams{Temperature: floatPtr(0.7), MaxTokens: 1024},
		Sentiment:   SentimentParams{Temperature: floatPtr(0.0), MaxTokens: 512},
	},
}

// ByID returns the catalog entry for modelID, or false if unknown.
func ByID(modelID string) (Model, bool) {
	for _, m := range Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Active returns every model with Status == StatusActive.
func Active() []Model {
	out := make([]Model, 0, len(Models))
	for _, m := range Models {
		if m.Status == StatusActive {
			out = append(out, m)
		}
	}
	return out
}
