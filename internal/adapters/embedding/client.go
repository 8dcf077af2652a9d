// Package embedding calls openai-compatible /embeddings endpoints for
// the similarity evaluator. Inputs over the chunk budget are split on
// rune boundaries and the per-chunk vectors mean-pooled back into one
// vector per text.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/longregen/rubric/internal/adapters/retry"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/llm"
	"github.com/longregen/rubric/internal/ports"
)

const (
	// chunkChars is the per-request character budget; longer texts are
	// embedded in pieces.
	chunkChars = 6000

	// callTimeout bounds one embeddings request.
	callTimeout = 30 * time.Second
)

// Client resolves "<provider>:<model>" embedding ids against the
// shared provider table and posts to the provider's /embeddings
// endpoint. Credentials come from the environment on first use.
type Client struct {
	httpClient  *http.Client
	env         func(string) string
	logger      *slog.Logger
	baseURL     string
	retryConfig retry.BackoffConfig
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithEnv replaces the credential source, mainly for tests.
func WithEnv(env func(string) string) Option {
	return func(cl *Client) { cl.env = env }
}

// WithBaseURL overrides every provider's endpoint, for tests against
// local servers.
func WithBaseURL(url string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimSuffix(url, "/") }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		env:         os.Getenv,
		logger:      slog.With("component", "embedding"),
		retryConfig: retry.DefaultConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type embeddingRequest struct {
	Input any    `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed returns one vector per text, in input order. Texts over the
// chunk budget are split and their chunk vectors mean-pooled.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	endpoint, apiKey, modelName, err := c.resolve(model)
	if err != nil {
		return nil, err
	}

	var inputs []string
	var owners []int
	for i, text := range texts {
		for _, chunk := range splitChunks(text, chunkChars) {
			inputs = append(inputs, chunk)
			owners = append(owners, i)
		}
	}
	c.logger.Debug("embedding batch", "model", model, "texts", len(texts), "chunks", len(inputs))

	vectors, err := c.embedBatch(ctx, endpoint, apiKey, modelName, inputs)
	if err != nil {
		return nil, err
	}
	return meanPool(vectors, owners, len(texts))
}

// resolve maps an embedding model id to endpoint URL, credential and
// bare model name. A bare name without provider defaults to openai.
func (c *Client) resolve(model string) (endpoint, apiKey, modelName string, err error) {
	provider := "openai"
	modelName = model
	if strings.Contains(model, ":") {
		provider, modelName, err = llm.ParseModelID(model)
		if err != nil {
			return "", "", "", models.NewPipelineError(models.ErrorKindConfig, "embedding model id", err)
		}
	}
	baseURL, envKey, ok := llm.OpenAICompatibleEndpoint(provider)
	if !ok {
		return "", "", "", models.NewPipelineError(models.ErrorKindConfig,
			fmt.Sprintf("provider %s serves no openai-compatible embeddings endpoint", provider), nil)
	}
	if c.baseURL != "" {
		baseURL = c.baseURL
	}
	apiKey = c.env(envKey)
	if apiKey == "" {
		return "", "", "", models.NewPipelineError(models.ErrorKindProviderAuth,
			fmt.Sprintf("provider %s needs %s in the environment", provider, envKey), nil)
	}
	return baseURL + "/embeddings", apiKey, modelName, nil
}

func (c *Client) embedBatch(ctx context.Context, endpoint, apiKey, model string, inputs []string) ([][]float32, error) {
	req := embeddingRequest{Model: model}
	if len(inputs) == 1 {
		req.Input = inputs[0]
	} else {
		req.Input = inputs
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	var parsed embeddingResponse
	err = retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &llm.HTTPStatusError{Provider: "embeddings", StatusCode: resp.StatusCode, Body: string(raw)}
		}
		parsed = embeddingResponse{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return models.NewPipelineError(models.ErrorKindFormat, "embeddings reply is not valid JSON", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings reply has %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}
	vectors := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, fmt.Errorf("embeddings reply index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// splitChunks cuts text into rune-boundary chunks of at most size
// runes. Short texts come back as a single chunk.
func splitChunks(text string, size int) []string {
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// meanPool averages each owner's chunk vectors dimension-wise. Owners
// whose chunks all came back empty yield an empty vector, which the
// evaluator surfaces as NaN similarity.
func meanPool(vectors [][]float32, owners []int, n int) ([][]float32, error) {
	sums := make([][]float64, n)
	counts := make([]int, n)
	for j, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		i := owners[j]
		if sums[i] == nil {
			sums[i] = make([]float64, len(vec))
		}
		if len(vec) != len(sums[i]) {
			return nil, fmt.Errorf("chunk vector dimension %d differs from %d", len(vec), len(sums[i]))
		}
		for d, v := range vec {
			sums[i][d] += float64(v)
		}
		counts[i]++
	}

	out := make([][]float32, n)
	for i := range out {
		if counts[i] == 0 {
			out[i] = []float32{}
			continue
		}
		vec := make([]float32, len(sums[i]))
		for d, s := range sums[i] {
			vec[d] = float32(s / float64(counts[i]))
		}
		out[i] = vec
	}
	return out, nil
}

var _ ports.EmbeddingClient = (*Client)(nil)
