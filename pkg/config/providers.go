package config

import "os"

// ProviderConfig holds provider credentials read once at startup.
// A provider whose credentials are absent is simply omitted from the
// registry built in pkg/llmprovider — spec.md §5: "absent credentials
// disable that provider gracefully".
type ProviderConfig struct {
	OpenAI OpenAIConfig
	Gemini GeminiConfig

	// GCSBatchBucket, PubSubBatchTopic and PubSubBatchSubscription back the
	// object-storage-based batch flow used by the Gemini-style provider
	// (spec.md §6).
	GCSBatchBucket          string
	PubSubBatchTopic        string
	PubSubBatchSubscription string

	// BatchWebhookURL is the externally-reachable URL this process serves
	// completion-push notifications on (spec.md §6).
	BatchWebhookURL string
}

// OpenAIConfig holds OpenAI-compatible batch provider credentials.
type OpenAIConfig struct {
	APIKey string
}

// Enabled reports whether the OpenAI provider has usable credentials.
func (c OpenAIConfig) Enabled() bool { return c.APIKey != "" }

// GeminiConfig holds Gemini-style batch provider credentials.
type GeminiConfig struct {
	ProjectID string
	Region    string
}

// Enabled reports whether the Gemini provider has usable credentials.
func (c GeminiConfig) Enabled() bool { return c.ProjectID != "" && c.Region != "" }

func loadProviderConfig() ProviderConfig {
	return ProviderConfig{
		OpenAI: OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
		},
		Gemini: GeminiConfig{
			ProjectID: os.Getenv("GCP_PROJECT_ID"),
			Region:    os.Getenv("GCP_REGION"),
		},
		GCSBatchBucket:          os.Getenv("GCS_BATCH_BUCKET"),
		PubSubBatchTopic:        os.Getenv("PUBSUB_BATCH_TOPIC"),
		PubSubBatchSubscription: os.Getenv("PUBSUB_BATCH_SUBSCRIPTION"),
		BatchWebhookURL:         os.Getenv("BATCH_WEBHOOK_URL"),
	}
}
