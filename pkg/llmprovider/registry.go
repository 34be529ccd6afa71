package llmprovider

import (
	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/llmprovider/geminicompat"
	"github.com/brandsignal/batchworks/pkg/llmprovider/openaicompat"
)

// Registry is the process-wide, singleton set of configured providers,
// built once at startup from environment-derived credentials. A provider
// whose credentials are absent is simply never inserted — callers see it
// the same as an unconfigured provider tag (spec.md §5: "absent
// credentials disable that provider gracefully").
type Registry struct {
	providers map[catalog.Provider]Provider
	// sentimentOrder is the preference order Registry.SentimentProvider
	// walks to pick the synchronous judge provider.
	sentimentOrder []catalog.Provider
}

// NewRegistry builds a Registry from process configuration.
func NewRegistry(cfg config.ProviderConfig) *Registry {
	r := &Registry{
		providers:      make(map[catalog.Provider]Provider),
		sentimentOrder: []catalog.Provider{catalog.ProviderOpenAI, catalog.ProviderGemini},
	}
	if cfg.OpenAI.Enabled() {
		r.providers[catalog.ProviderOpenAI] = openaicompat.New(cfg.OpenAI)
	}
	if cfg.Gemini.Enabled() {
		r.providers[catalog.ProviderGemini] = geminicompat.New(cfg.Gemini, cfg.GCSBatchBucket)
	}
	return r
}

// Get returns the configured Provider for tag, or ok=false if its
// credentials were absent at startup.
func (r *Registry) Get(tag catalog.Provider) (Provider, bool) {
	p, ok := r.providers[tag]
	return p, ok
}

// SentimentProvider returns the first configured provider in preference
// order, used for the synchronous sentiment-analysis call the Batch Result
// Processor makes per answer (spec.md §4.4: "the sentiment call... is just
// another llmprovider.Provider used synchronously").
func (r *Registry) SentimentProvider() (Provider, bool) {
	for _, tag := range r.sentimentOrder {
		if p, ok := r.providers[tag]; ok {
			return p, true
		}
	}
	return nil, false
}

// Configured returns the tags of every registered provider (empty when no
// credentials were supplied), logged at startup.
func (r *Registry) Configured() []catalog.Provider {
	out := make([]catalog.Provider, 0, len(r.providers))
	for tag := range r.providers {
		out = append(out, tag)
	}
	return out
}
