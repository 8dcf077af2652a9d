package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// openAIAdapter speaks the OpenAI-compatible wire format used by
// openai, mistral, together, xai and openrouter, plus custom models
// inheriting any of them. In completions format the chat turns are
// collapsed into a single prompt string.
type openAIAdapter struct {
	provider     string
	endpoint     string
	apiKey       string
	headers      map[string]string
	format       models.ModelFormat
	promptFormat models.PromptFormat
	paramMapping map[string]string
	parameters   map[string]any
	httpClient   *http.Client
	logger       *slog.Logger
}

func (a *openAIAdapter) requestHeaders() map[string]string {
	h := map[string]string{}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	for k, v := range a.headers {
		h[k] = v
	}
	return h
}

func (a *openAIAdapter) buildBody(model string, opts ports.LLMCallOptions, stream bool) map[string]any {
	body := map[string]any{
		"model":  model,
		"stream": stream,
	}
	if a.format == models.ModelFormatCompletions {
		body["prompt"] = completionsPrompt(opts.Messages, opts.SystemPrompt, a.promptFormat)
	} else {
		msgs := make([]map[string]any, 0, len(opts.Messages)+1)
		if opts.SystemPrompt != nil && *opts.SystemPrompt != "" {
			msgs = append(msgs, map[string]any{"role": "system", "content": *opts.SystemPrompt})
		}
		for _, m := range opts.Messages {
			msgs = append(msgs, map[string]any{"role": string(m.Role), "content": m.Content})
		}
		body["messages"] = msgs
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.PresencePenalty != nil {
		body["presence_penalty"] = *opts.PresencePenalty
	}
	if opts.FrequencyPenalty != nil {
		body["frequency_penalty"] = *opts.FrequencyPenalty
	}
	if len(opts.Stop) > 0 {
		body["stop"] = opts.Stop
	}
	if opts.ReasoningEffort != "" {
		body["reasoning_effort"] = string(opts.ReasoningEffort)
	}
	applyParameterOverrides(body, a.paramMapping, a.parameters, opts.CustomParameters)
	return body
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
}

func (a *openAIAdapter) call(ctx context.Context, model string, opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
	cctx, cancel, ms := callContext(ctx, opts)
	defer cancel()

	payload, err := json.Marshal(a.buildBody(model, opts, false))
	if err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "marshal request", err)
	}
	raw, err := doJSON(cctx, a.httpClient, a.provider, a.endpoint, a.requestHeaders(), bytes.NewReader(payload))
	if err != nil {
		return nil, timeoutError(cctx, ctx, a.provider, ms, err)
	}

	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "decode response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "response carries no choices", nil)
	}
	choice := resp.Choices[0]

	result := &ports.LLMCallResult{ReasoningContent: choice.Message.ReasoningContent}
	if a.format == models.ModelFormatCompletions {
		result.ResponseText = choice.Text
	} else {
		result.ResponseText = choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		call := models.ToolCall{Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
				call.Arguments = args
			}
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}
	return result, nil
}

func (a *openAIAdapter) stream(ctx context.Context, model string, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error) {
	if a.format == models.ModelFormatCompletions {
		// Completions endpoints are one-shot here; emulate a single
		// content chunk.
		return emulateStream(ctx, a, model, opts)
	}

	cctx, cancel, ms := callContext(ctx, opts)
	payload, err := json.Marshal(a.buildBody(model, opts, true))
	if err != nil {
		cancel()
		return nil, models.NewPipelineError(models.ErrorKindFormat, "marshal request", err)
	}
	resp, err := openStream(cctx, a.httpClient, a.provider, a.endpoint, a.requestHeaders(), bytes.NewReader(payload))
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
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content          string `json:"content"`
						ReasoningContent string `json:"reasoning_content"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.ReasoningContent != "" {
				events <- ports.LLMStreamEvent{Type: ports.LLMStreamReasoning, Reasoning: delta.ReasoningContent}
			}
			if delta.Content != "" {
				events <- ports.LLMStreamEvent{Type: ports.LLMStreamContent, Content: delta.Content}
			}
		}
	}()
	return events, nil
}

// ssePayload strips the SSE framing from one line, reporting whether
// it carried a data payload.
func ssePayload(line []byte) (string, bool) {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, "data: ") {
		return "", false
	}
	return strings.TrimPrefix(s, "data: "), true
}

// emulateStream degrades a non-streamable endpoint to one content
// event followed by close.
func emulateStream(ctx context.Context, a adapter, model string, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error) {
	events := make(chan ports.LLMStreamEvent, 2)
	go func() {
		defer close(events)
		res, err := a.call(ctx, model, opts)
		if err != nil {
			events <- ports.LLMStreamEvent{Type: ports.LLMStreamError, Err: err}
			return
		}
		if res.ReasoningContent != "" {
			events <- ports.LLMStreamEvent{Type: ports.LLMStreamReasoning, Reasoning: res.ReasoningContent}
		}
		events <- ports.LLMStreamEvent{Type: ports.LLMStreamContent, Content: res.ResponseText}
	}()
	return events, nil
}
