package llmprovider_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
)

func TestRegistry_OmitsProvidersWithoutCredentials(t *testing.T) {
	reg := llmprovider.NewRegistry(config.ProviderConfig{})

	_, ok := reg.Get(catalog.ProviderOpenAI)
	assert.False(t, ok)
	_, ok = reg.Get(catalog.ProviderGemini)
	assert.False(t, ok)
	assert.Empty(t, reg.Configured())

	_, ok = reg.SentimentProvider()
	assert.False(t, ok, "no sentiment provider should be available with no configured credentials")
}

func TestRegistry_ConfiguresOnlyProvidersWithCredentials(t *testing.T) {
	reg := llmprovider.NewRegistry(config.ProviderConfig{
		OpenAI: config.OpenAIConfig{APIKey: "sk-test"},
	})

	p, ok := reg.Get(catalog.ProviderOpenAI)
	assert.True(t, ok)
	assert.Equal(t, catalog.ProviderOpenAI, p.Name())

	_, ok = reg.Get(catalog.ProviderGemini)
	assert.False(t, ok)

	sentiment, ok := reg.SentimentProvider()
	assert.True(t, ok)
	assert.Equal(t, catalog.ProviderOpenAI, sentiment.Name())
}

func TestRegistry_SentimentProviderPrefersOpenAIOverGemini(t *testing.T) {
	reg := llmprovider.NewRegistry(config.ProviderConfig{
		OpenAI: config.OpenAIConfig{APIKey: "sk-test"},
		Gemini: config.GeminiConfig{ProjectID: "proj", Region: "us-central1"},
	})

	sentiment, ok := reg.SentimentProvider()
	assert.True(t, ok)
	assert.Equal(t, catalog.ProviderOpenAI, sentiment.Name())
}

func TestRegistry_SentimentProviderFallsBackToGemini(t *testing.T) {
	reg := llmprovider.NewRegistry(config.ProviderConfig{
		Gemini: config.GeminiConfig{ProjectID: "proj", Region: "us-central1"},
	})

	sentiment, ok := reg.SentimentProvider()
	assert.True(t, ok)
	assert.Equal(t, catalog.ProviderGemini, sentiment.Name())
}
