package geminicompat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
	"github.com/brandsignal/batchworks/pkg/llmprovider/geminicompat"
)

func floatPtr(f float64) *float64 { return &f }

// fakeFetcher is an in-memory blobref.Fetcher used to test FetchResults
// without a live GCS client.
type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeFetcher() *fakeFetcher { return &fakeFetcher{objects: make(map[string][]byte)} }

func (f *fakeFetcher) Put(_ context.Context, uri string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[uri] = data
	return nil
}

func (f *fakeFetcher) Get(_ context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[uri]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", uri)
	}
	return data, nil
}

func (f *fakeFetcher) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for uri := range f.objects {
		if len(uri) >= len(prefix) && uri[:len(prefix)] == prefix {
			out = append(out, uri)
		}
	}
	return out, nil
}

// fakeBatchCreator is an in-memory batchCreator recording the model each
// job was submitted against, used to test SubmitBatch without a live
// Vertex AI client.
type fakeBatchCreator struct {
	mu        sync.Mutex
	lastModel string
	lastSrc   *genai.BatchJobSource
}

func (f *fakeBatchCreator) Create(_ context.Context, model string, src *genai.BatchJobSource, _ *genai.CreateBatchJobConfig) (*genai.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastModel = model
	f.lastSrc = src
	return &genai.BatchJob{Name: "batch-job-1"}, nil
}

func TestSubmitBatch_CreatesJobAgainstTheRequestedModel(t *testing.T) {
	fetcher := newFakeFetcher()
	creator := &fakeBatchCreator{}
	p := geminicompat.New(config.GeminiConfig{ProjectID: "proj", Region: "us-central1"}, "test-bucket").
		WithFetcher(fetcher).
		WithBatchCreator(creator)

	line, err := p.BuildRequest("ws1-p1-gemini-1.5-pro-1", "gemini-1.5-pro", "what do you think of Acme?", catalog.GenerationParams{
		Temperature: floatPtr(0.7), MaxTokens: 1024,
	})
	require.NoError(t, err)

	submitted, err := p.SubmitBatch(context.Background(), "gemini-1.5-pro", []llmprovider.RequestLine{line})
	require.NoError(t, err)
	assert.Equal(t, "batch-job-1", submitted.ProviderBatchID)
	assert.Equal(t, 1, submitted.RequestCount)

	creator.mu.Lock()
	defer creator.mu.Unlock()
	assert.Equal(t, "gemini-1.5-pro", creator.lastModel, "batch job must target the model the requests were built for")
	require.NotNil(t, creator.lastSrc)
	require.Len(t, creator.lastSrc.GCSURI, 1)
}

func TestSubmitBatch_DoesNotFallBackToADifferentModel(t *testing.T) {
	fetcher := newFakeFetcher()
	creator := &fakeBatchCreator{}
	p := geminicompat.New(config.GeminiConfig{ProjectID: "proj", Region: "us-central1"}, "test-bucket").
		WithFetcher(fetcher).
		WithBatchCreator(creator)

	line, err := p.BuildRequest("ws1-p1-gemini-1.5-flash-1", "gemini-1.5-flash", "what do you think of Acme?", catalog.GenerationParams{
		Temperature: floatPtr(0.7), MaxTokens: 1024,
	})
	require.NoError(t, err)

	_, err = p.SubmitBatch(context.Background(), "gemini-1.5-flash", []llmprovider.RequestLine{line})
	require.NoError(t, err)

	creator.mu.Lock()
	defer creator.mu.Unlock()
	assert.Equal(t, "gemini-1.5-flash", creator.lastModel)
	assert.NotEqual(t, "gemini-1.5-pro", creator.lastModel)
}

func TestProvider_Name(t *testing.T) {
	p := geminicompat.New(config.GeminiConfig{ProjectID: "proj", Region: "us-central1"}, "test-bucket")
	assert.Equal(t, catalog.ProviderGemini, p.Name())
}

func TestBuildRequest_EncodesPromptAndGenerationParams(t *testing.T) {
	p := geminicompat.New(config.GeminiConfig{ProjectID: "proj", Region: "us-central1"}, "test-bucket")

	line, err := p.BuildRequest("ws1-p1-gemini-1.5-pro-123", "gemini-1.5-pro", "what do you think of Acme?", catalog.GenerationParams{
		Temperature: floatPtr(0.7), MaxTokens: 1024,
	})
	require.NoError(t, err)

	var decoded struct {
		Key     string `json:"key"`
		Request struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			GenerationConfig struct {
				Temperature     float64 `json:"temperature"`
				MaxOutputTokens int     `json:"maxOutputTokens"`
			} `json:"generationConfig"`
		} `json:"request"`
	}
	require.NoError(t, json.Unmarshal(line.Body, &decoded))
	assert.Equal(t, "ws1-p1-gemini-1.5-pro-123", decoded.Key)
	require.Len(t, decoded.Request.Contents, 1)
	require.Len(t, decoded.Request.Contents[0].Parts, 1)
	assert.Equal(t, "what do you think of Acme?", decoded.Request.Contents[0].Parts[0].Text)
	assert.Equal(t, 0.7, decoded.Request.GenerationConfig.Temperature)
	assert.Equal(t, 1024, decoded.Request.GenerationConfig.MaxOutputTokens)
}

func TestFetchResults_DecodesShardedNDJSONOutput(t *testing.T) {
	fetcher := newFakeFetcher()
	outputPrefix := "gs://test-bucket/batch-output/123/"
	shard1 := `{"key":"ws1-p1-gemini-1.5-pro-1","response":{"candidates":[{"content":{"parts":[{"text":"mentions Acme favorably"}]}}],"usageMetadata":{"totalTokenCount":20}}}` + "\n"
	shard2 := `{"key":"ws1-p2-gemini-1.5-pro-2","response":{"candidates":[{"content":{"parts":[{"text":"no mention"}]}}],"usageMetadata":{"totalTokenCount":15}}}` + "\n"
	require.NoError(t, fetcher.Put(context.Background(), outputPrefix+"000000.jsonl", []byte(shard1)))
	require.NoError(t, fetcher.Put(context.Background(), outputPrefix+"000001.jsonl", []byte(shard2)))

	p := geminicompat.New(config.GeminiConfig{ProjectID: "proj", Region: "us-central1"}, "test-bucket").WithFetcher(fetcher)

	lines, err := p.FetchResults(context.Background(), "batch-job-1", outputPrefix)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	byID := map[string]string{}
	for _, l := range lines {
		byID[l.CustomID] = l.Text
	}
	assert.Equal(t, "mentions Acme favorably", byID["ws1-p1-gemini-1.5-pro-1"])
	assert.Equal(t, "no mention", byID["ws1-p2-gemini-1.5-pro-2"])
}

func TestFetchResults_EmptyOutputRefReturnsNil(t *testing.T) {
	p := geminicompat.New(config.GeminiConfig{ProjectID: "proj", Region: "us-central1"}, "test-bucket").WithFetcher(newFakeFetcher())
	lines, err := p.FetchResults(context.Background(), "batch-job-1", "")
	require.NoError(t, err)
	assert.Nil(t, lines)
}
