// Package geminicompat implements llmprovider.Provider against Vertex AI's
// Gemini batch-prediction API: requests are staged as a newline-delimited
// JSON file in Cloud Storage, a batch prediction job is created against
// that input URI, and output is written back to a GCS destination prefix
// that may shard across several files — each discovered and fetched
// through blobref.Fetcher rather than returned inline.
//
// Grounded on the teacher pack's narrow-adapter style (one struct per
// upstream SDK client, provider-native shapes kept at the boundary),
// generalized to google.golang.org/genai's batch client per spec.md §6.
package geminicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/brandsignal/batchworks/pkg/blobref"
	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
)

// batchCreator abstracts client.Batches.Create so SubmitBatch can be tested
// against a fake that records which model a job was created for, without a
// live Vertex AI client.
type batchCreator interface {
	Create(ctx context.Context, model string, src *genai.BatchJobSource, cfg *genai.CreateBatchJobConfig) (*genai.BatchJob, error)
}

// Provider implements llmprovider.Provider over a genai.Client configured
// for the Vertex AI backend.
type Provider struct {
	cfg     config.GeminiConfig
	bucket  string
	blobs   blobref.Fetcher
	batches batchCreator

	// newClient is overridable in tests so they don't need live Vertex AI
	// credentials to exercise request-building and result-parsing logic.
	newClient func(ctx context.Context) (*genai.Client, error)
}

// New builds a Provider from Gemini credentials and the GCS bucket batch
// input/output artifacts are staged under.
func New(cfg config.GeminiConfig, gcsBucket string) *Provider {
	return &Provider{
		cfg:    cfg,
		bucket: gcsBucket,
		newClient: func(ctx context.Context) (*genai.Client, error) {
			return genai.NewClient(ctx, &genai.ClientConfig{
				Backend:  genai.BackendVertexAI,
				Project:  cfg.ProjectID,
				Location: cfg.Region,
			})
		},
	}
}

// WithFetcher overrides the blob fetcher, used by tests to inject an
// in-memory Fetcher instead of a live GCS client.
func (p *Provider) WithFetcher(f blobref.Fetcher) *Provider {
	p.blobs = f
	return p
}

// WithBatchCreator overrides the batch-job creator, used by tests to inject
// a fake that records the model a job was submitted against instead of a
// live Vertex AI client.
func (p *Provider) WithBatchCreator(c batchCreator) *Provider {
	p.batches = c
	return p
}

func (p *Provider) fetcher(ctx context.Context) (blobref.Fetcher, error) {
	if p.blobs != nil {
		return p.blobs, nil
	}
	f, err := blobref.NewGCSFetcher(ctx)
	if err != nil {
		return nil, err
	}
	p.blobs = f
	return f, nil
}

// Name implements llmprovider.Provider.
func (p *Provider) Name() catalog.Provider { return catalog.ProviderGemini }

// geminiLine is the per-request shape written to the staged input file:
// a "key" field Vertex AI batch prediction echoes back alongside each
// prediction, carrying our custom_id.
type geminiLine struct {
	Key     string          `json:"key"`
	Request json.RawMessage `json:"request"`
}

type generateContentRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// BuildRequest implements llmprovider.Provider.
func (p *Provider) BuildRequest(customID, modelID, prompt string, gen catalog.GenerationParams) (llmprovider.RequestLine, error) {
	maxTokens := gen.MaxTokens
	if gen.IsReasoningModel {
		maxTokens = gen.MaxCompletionTok
	}
	req := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     gen.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return llmprovider.RequestLine{}, fmt.Errorf("encoding generateContent request for %s: %w", customID, err)
	}
	line := geminiLine{Key: customID, Request: reqJSON}
	lineJSON, err := json.Marshal(line)
	if err != nil {
		return llmprovider.RequestLine{}, fmt.Errorf("encoding batch request line for %s: %w", customID, err)
	}
	return llmprovider.RequestLine{CustomID: customID, Body: lineJSON}, nil
}

// SubmitBatch implements llmprovider.Provider: stages lines as one ndjson
// object in Cloud Storage, then creates a Vertex AI batch prediction job
// against modelID.
func (p *Provider) SubmitBatch(ctx context.Context, modelID string, lines []llmprovider.RequestLine) (llmprovider.SubmittedBatch, error) {
	blobs, err := p.fetcher(ctx)
	if err != nil {
		return llmprovider.SubmittedBatch{}, err
	}

	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l.Body)
		buf.WriteByte('\n')
	}

	stamp := fmt.Sprintf("%d", time.Now().UnixNano())
	inputURI := fmt.Sprintf("gs://%s/batch-input/%s.jsonl", p.bucket, stamp)
	outputPrefix := fmt.Sprintf("gs://%s/batch-output/%s/", p.bucket, stamp)

	if err := blobs.Put(ctx, inputURI, buf.Bytes()); err != nil {
		return llmprovider.SubmittedBatch{}, fmt.Errorf("staging batch input: %w", err)
	}

	batches := p.batches
	if batches == nil {
		client, err := p.newClient(ctx)
		if err != nil {
			return llmprovider.SubmittedBatch{}, fmt.Errorf("creating genai client: %w", err)
		}
		batches = client.Batches
	}

	job, err := batches.Create(ctx, modelID, &genai.BatchJobSource{
		GCSURI: []string{inputURI},
	}, &genai.CreateBatchJobConfig{
		Dest: &genai.BatchJobDestination{GCSURI: outputPrefix},
	})
	if err != nil {
		return llmprovider.SubmittedBatch{}, fmt.Errorf("creating batch prediction job: %w", err)
	}

	return llmprovider.SubmittedBatch{ProviderBatchID: job.Name, RequestCount: len(lines)}, nil
}

// PollBatch implements llmprovider.Provider. The output prefix is read from
// the destination config that Vertex AI echoes back on Get, so it is not
// stored separately.
func (p *Provider) PollBatch(ctx context.Context, providerBatchID string) (llmprovider.PollResult, error) {
	client, err := p.newClient(ctx)
	if err != nil {
		return llmprovider.PollResult{}, fmt.Errorf("creating genai client: %w", err)
	}

	job, err := client.Batches.Get(ctx, providerBatchID, nil)
	if err != nil {
		return llmprovider.PollResult{}, fmt.Errorf("polling batch job %s: %w", providerBatchID, err)
	}

	status, err := mapState(string(job.State))
	if err != nil {
		return llmprovider.PollResult{}, err
	}

	outputRef := ""
	if job.Dest != nil {
		outputRef = job.Dest.GCSURI
	}
	return llmprovider.PollResult{Status: status, OutputRef: outputRef}, nil
}

func mapState(state string) (llmprovider.PollStatus, error) {
	switch state {
	case "JOB_STATE_QUEUED", "JOB_STATE_PENDING":
		return llmprovider.PollValidating, nil
	case "JOB_STATE_RUNNING":
		return llmprovider.PollInProgress, nil
	case "JOB_STATE_SUCCEEDED":
		return llmprovider.PollCompleted, nil
	case "JOB_STATE_FAILED":
		return llmprovider.PollFailed, nil
	case "JOB_STATE_EXPIRED":
		return llmprovider.PollExpired, nil
	case "JOB_STATE_CANCELLED", "JOB_STATE_CANCELLING":
		return llmprovider.PollCancelled, nil
	default:
		return "", fmt.Errorf("unrecognized vertex ai batch job state %q", state)
	}
}

type geminiResponseLine struct {
	Key      string `json:"key"`
	Response struct {
		Candidates []struct {
			Content content `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			TotalTokenCount int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	} `json:"response"`
}

// FetchResults implements llmprovider.Provider: lists every sharded output
// object under outputRef and decodes each ndjson line.
func (p *Provider) FetchResults(ctx context.Context, providerBatchID, outputRef string) ([]llmprovider.ResultLine, error) {
	if outputRef == "" {
		return nil, nil
	}
	blobs, err := p.fetcher(ctx)
	if err != nil {
		return nil, err
	}

	objects, err := blobs.List(ctx, outputRef)
	if err != nil {
		return nil, fmt.Errorf("listing batch output for %s: %w", providerBatchID, err)
	}

	var out []llmprovider.ResultLine
	for _, uri := range objects {
		if !strings.HasSuffix(uri, ".jsonl") {
			continue
		}
		data, err := blobs.Get(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("fetching batch output shard %s: %w", uri, err)
		}

		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			var line geminiResponseLine
			if err := json.Unmarshal(raw, &line); err != nil {
				return nil, fmt.Errorf("decoding batch output line from %s: %w", uri, err)
			}
			var text string
			if len(line.Response.Candidates) > 0 && len(line.Response.Candidates[0].Content.Parts) > 0 {
				text = line.Response.Candidates[0].Content.Parts[0].Text
			}
			out = append(out, llmprovider.ResultLine{
				CustomID:   line.Key,
				Text:       text,
				TokenCount: line.Response.UsageMetadata.TotalTokenCount,
				Raw:        json.RawMessage(append([]byte(nil), raw...)),
			})
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanning batch output shard %s: %w", uri, err)
		}
	}
	return out, nil
}

// Complete implements llmprovider.Provider's synchronous path.
func (p *Provider) Complete(ctx context.Context, modelID, prompt string, gen catalog.SentimentParams) (string, error) {
	client, err := p.newClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating genai client: %w", err)
	}

	genConfig := &genai.GenerateContentConfig{}
	if gen.Temperature != nil {
		t := float32(*gen.Temperature)
		genConfig.Temperature = &t
	}
	if gen.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(gen.MaxTokens)
	}

	resp, err := client.Models.GenerateContent(ctx, modelID, genai.Text(prompt), genConfig)
	if err != nil {
		return "", fmt.Errorf("running sentiment completion on %s: %w", modelID, err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
