package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// googleAdapter speaks the Gemini generateContent wire format:
// contents[] with assistant turns renamed to "model", system prompt as
// systemInstruction, sampling knobs under generationConfig.
type googleAdapter struct {
	provider string
	baseURL  string
	// endpointURL pins a custom model to one URL. When set, the model
	// path is not appended and streaming degrades to a single chunk.
	endpointURL  string
	apiKey       string
	headers      map[string]string
	paramMapping map[string]string
	parameters   map[string]any
	httpClient   *http.Client
	logger       *slog.Logger
}

func (a *googleAdapter) requestHeaders() map[string]string {
	h := map[string]string{"x-goog-api-key": a.apiKey}
	for k, v := range a.headers {
		h[k] = v
	}
	return h
}

func (a *googleAdapter) url(model string, stream bool) string {
	if a.endpointURL != "" {
		return a.endpointURL
	}
	if stream {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, model)
	}
	return fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, model)
}

func (a *googleAdapter) buildBody(opts ports.LLMCallOptions) map[string]any {
	contents := make([]map[string]any, 0, len(opts.Messages))
	for _, m := range opts.Messages {
		role := "user"
		if m.Role == models.ChatRoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}
	body := map[string]any{"contents": contents}
	if opts.SystemPrompt != nil && *opts.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": *opts.SystemPrompt}},
		}
	}
	gen := map[string]any{}
	if opts.Temperature != nil {
		gen["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		gen["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.TopP != nil {
		gen["topP"] = *opts.TopP
	}
	if opts.TopK != nil {
		gen["topK"] = *opts.TopK
	}
	if len(opts.Stop) > 0 {
		gen["stopSequences"] = opts.Stop
	}
	if budget := thinkingBudget(opts); budget > 0 {
		gen["thinkingConfig"] = map[string]any{"thinkingBudget": budget}
	}
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}
	applyParameterOverrides(body, a.paramMapping, a.parameters, opts.CustomParameters)
	return body
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				Thought      bool   `json:"thought"`
				FunctionCall *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func collectGoogleParts(resp *googleResponse, result *ports.LLMCallResult) {
	if len(resp.Candidates) == 0 {
		return
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		case part.Thought:
			result.ReasoningContent += part.Text
		default:
			result.ResponseText += part.Text
		}
	}
}

func (a *googleAdapter) call(ctx context.Context, model string, opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
	cctx, cancel, ms := callContext(ctx, opts)
	defer cancel()

	payload, err := json.Marshal(a.buildBody(opts))
	if err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "marshal request", err)
	}
	raw, err := doJSON(cctx, a.httpClient, a.provider, a.url(model, false), a.requestHeaders(), bytes.NewReader(payload))
	if err != nil {
		return nil, timeoutError(cctx, ctx, a.provider, ms, err)
	}

	var resp googleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "decode response", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "response carries no candidates", nil)
	}
	result := &ports.LLMCallResult{}
	collectGoogleParts(&resp, result)
	return result, nil
}

func (a *googleAdapter) stream(ctx context.Context, model string, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error) {
	if a.endpointURL != "" {
		return emulateStream(ctx, a, model, opts)
	}

	cctx, cancel, ms := callContext(ctx, opts)
	payload, err := json.Marshal(a.buildBody(opts))
	if err != nil {
		cancel()
		return nil, models.NewPipelineError(models.ErrorKindFormat, "marshal request", err)
	}
	resp, err := openStream(cctx, a.httpClient, a.provider, a.url(model, true), a.requestHeaders(), bytes.NewReader(payload))
	if err != nil {
		defer cancel()
		return nil, timeoutError(cctx, ctx, a.provider, ms, err)
	}

	events := make(chan ports.LLMStreamEvent, 16)
	go func() {
		defer close(events)
		defer cancel()
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					events <- ports.LLMStreamEvent{Type: ports.LLMStreamError, Err: timeoutError(cctx, ctx, a.provider, ms, err)}
				}
				return
			}
			data, ok := ssePayload(line)
			if !ok {
				continue
			}
			var chunk googleResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			var partial ports.LLMCallResult
			collectGoogleParts(&chunk, &partial)
			if partial.ReasoningContent != "" {
				events <- ports.LLMStreamEvent{Type: ports.LLMStreamReasoning, Reasoning: partial.ReasoningContent}
			}
			if partial.ResponseText != "" {
				events <- ports.LLMStreamEvent{Type: ports.LLMStreamContent, Content: partial.ResponseText}
			}
		}
	}()
	return events, nil
}
