// Package openaicompat implements llmprovider.Provider against the OpenAI
// batch API: upload a newline-delimited JSON request file via Files, create
// a batch job against it via Batches, poll status, and download the output
// file once the job reports completed.
//
// Grounded on the teacher pack's features/model/openai adapter (a narrow
// struct wrapping one upstream SDK client, translating at the boundary
// rather than leaking SDK types into callers) — generalized from a single
// synchronous chat call to the batch Files/Batches flow, built on
// github.com/openai/openai-go per spec.md §6.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/llmprovider"
)

// Provider implements llmprovider.Provider over an openai.Client.
type Provider struct {
	client openai.Client
}

// New builds a Provider from OpenAI credentials.
func New(cfg config.OpenAIConfig) *Provider {
	return &Provider{client: openai.NewClient(option.WithAPIKey(cfg.APIKey))}
}

// NewWithOptions builds a Provider from raw client options, used by tests
// to point the client at an httptest server instead of the live API.
func NewWithOptions(opts ...option.RequestOption) *Provider {
	return &Provider{client: openai.NewClient(opts...)}
}

// Name implements llmprovider.Provider.
func (p *Provider) Name() catalog.Provider { return catalog.ProviderOpenAI }

// chatLine is the per-request shape OpenAI's batch API expects in the
// uploaded ndjson file (spec.md §6: "one entry per request").
type chatLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type chatBody struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Temperature       *float64      `json:"temperature,omitempty"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
	MaxCompletionToks int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequest implements llmprovider.Provider. o1-class models drop
// temperature and use max_completion_tokens in place of max_tokens
// (spec.md §4.3).
func (p *Provider) BuildRequest(customID, modelID, prompt string, gen catalog.GenerationParams) (llmprovider.RequestLine, error) {
	body := chatBody{
		Model:    modelID,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if gen.IsReasoningModel {
		body.MaxCompletionToks = gen.MaxCompletionTok
	} else {
		body.Temperature = gen.Temperature
		body.MaxTokens = gen.MaxTokens
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return llmprovider.RequestLine{}, fmt.Errorf("encoding chat completion body for %s: %w", customID, err)
	}
	line := chatLine{CustomID: customID, Method: "POST", URL: "/v1/chat/completions", Body: bodyJSON}
	lineJSON, err := json.Marshal(line)
	if err != nil {
		return llmprovider.RequestLine{}, fmt.Errorf("encoding batch request line for %s: %w", customID, err)
	}
	return llmprovider.RequestLine{CustomID: customID, Body: lineJSON}, nil
}

// SubmitBatch implements llmprovider.Provider: uploads lines as one ndjson
// file, then creates a batch job against it. modelID is unused here — each
// line's body already carries its own "model" field from BuildRequest, and
// OpenAI's batch endpoint dispatches per-line rather than per-job.
func (p *Provider) SubmitBatch(ctx context.Context, modelID string, lines []llmprovider.RequestLine) (llmprovider.SubmittedBatch, error) {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l.Body)
		buf.WriteByte('\n')
	}

	file, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    bytes.NewReader(buf.Bytes()),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return llmprovider.SubmittedBatch{}, fmt.Errorf("uploading batch input file: %w", err)
	}

	batch, err := p.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return llmprovider.SubmittedBatch{}, fmt.Errorf("creating batch job for file %s: %w", file.ID, err)
	}

	return llmprovider.SubmittedBatch{ProviderBatchID: batch.ID, RequestCount: len(lines)}, nil
}

// PollBatch implements llmprovider.Provider.
func (p *Provider) PollBatch(ctx context.Context, providerBatchID string) (llmprovider.PollResult, error) {
	batch, err := p.client.Batches.Get(ctx, providerBatchID)
	if err != nil {
		return llmprovider.PollResult{}, fmt.Errorf("polling batch %s: %w", providerBatchID, err)
	}

	status, err := mapStatus(string(batch.Status))
	if err != nil {
		return llmprovider.PollResult{}, err
	}
	return llmprovider.PollResult{Status: status, OutputRef: batch.OutputFileID}, nil
}

func mapStatus(upstream string) (llmprovider.PollStatus, error) {
	switch upstream {
	case "validating":
		return llmprovider.PollValidating, nil
	case "in_progress", "finalizing":
		return llmprovider.PollInProgress, nil
	case "completed":
		return llmprovider.PollCompleted, nil
	case "failed":
		return llmprovider.PollFailed, nil
	case "expired":
		return llmprovider.PollExpired, nil
	case "cancelled", "cancelling":
		return llmprovider.PollCancelled, nil
	default:
		return "", fmt.Errorf("unrecognized openai batch status %q", upstream)
	}
}

type chatResponseLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		Body struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		} `json:"body"`
	} `json:"response"`
}

// FetchResults implements llmprovider.Provider: downloads the output file
// referenced by outputRef and decodes each ndjson line into a ResultLine.
func (p *Provider) FetchResults(ctx context.Context, providerBatchID, outputRef string) ([]llmprovider.ResultLine, error) {
	if outputRef == "" {
		return nil, nil
	}

	content, err := p.client.Files.Content(ctx, outputRef)
	if err != nil {
		return nil, fmt.Errorf("downloading batch output file %s for batch %s: %w", outputRef, providerBatchID, err)
	}
	defer content.Body.Close()

	var out []llmprovider.ResultLine
	scanner := bufio.NewScanner(content.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line chatResponseLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("decoding batch output line for batch %s: %w", providerBatchID, err)
		}
		var text string
		if len(line.Response.Body.Choices) > 0 {
			text = line.Response.Body.Choices[0].Message.Content
		}
		out = append(out, llmprovider.ResultLine{
			CustomID:   line.CustomID,
			Text:       text,
			TokenCount: line.Response.Body.Usage.TotalTokens,
			Raw:        json.RawMessage(append([]byte(nil), raw...)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning batch output for batch %s: %w", providerBatchID, err)
	}
	return out, nil
}

// Complete implements llmprovider.Provider's synchronous path, used for
// sentiment-analysis calls.
func (p *Provider) Complete(ctx context.Context, modelID, prompt string, gen catalog.SentimentParams) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: modelID,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if gen.Temperature != nil {
		params.Temperature = openai.Float(*gen.Temperature)
	}
	if gen.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(gen.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("running sentiment completion on %s: %w", modelID, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("sentiment completion on %s returned no choices", modelID)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
