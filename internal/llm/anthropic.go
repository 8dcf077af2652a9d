package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// anthropicMaxTokensDefault applies when the caller did not set
// maxTokens; the wire format requires the field.
const anthropicMaxTokensDefault = 4096

// anthropicAdapter speaks the Anthropic messages wire format: system
// prompt top-level, messages filtered to user/assistant turns, content
// returned as typed blocks.
type anthropicAdapter struct {
	provider     string
	endpoint     string
	apiKey       string
	headers      map[string]string
	paramMapping map[string]string
	parameters   map[string]any
	httpClient   *http.Client
	logger       *slog.Logger
}

func (a *anthropicAdapter) requestHeaders() map[string]string {
	h := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
	for k, v := range a.headers {
		h[k] = v
	}
	return h
}

func (a *anthropicAdapter) buildBody(model string, opts ports.LLMCallOptions, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(opts.Messages))
	for _, m := range opts.Messages {
		if m.Role != models.ChatRoleUser && m.Role != models.ChatRoleAssistant {
			continue
		}
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokensDefault
	}
	body := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if opts.SystemPrompt != nil && *opts.SystemPrompt != "" {
		body["system"] = *opts.SystemPrompt
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.TopK != nil {
		body["top_k"] = *opts.TopK
	}
	if len(opts.Stop) > 0 {
		body["stop_sequences"] = opts.Stop
	}
	if budget := thinkingBudget(opts); budget > 0 {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	applyParameterOverrides(body, a.paramMapping, a.parameters, opts.CustomParameters)
	return body
}

type anthropicResponse struct {
	Content []struct {
		Type     string         `json:"type"`
		Text     string         `json:"text"`
		Thinking string         `json:"thinking"`
		Name     string         `json:"name"`
		Input    map[string]any `json:"input"`
	} `json:"content"`
}

func (a *anthropicAdapter) call(ctx context.Context, model string, opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
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

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, "decode response", err)
	}
	result := &ports.LLMCallResult{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.ResponseText += block.Text
		case "thinking":
			result.ReasoningContent += block.Thinking
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{Name: block.Name, Arguments: block.Input})
		}
	}
	return result, nil
}

func (a *anthropicAdapter) stream(ctx context.Context, model string, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error) {
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
			var ev struct {
				Type  string `json:"type"`
				Delta struct {
					Type     string `json:"type"`
					Text     string `json:"text"`
					Thinking string `json:"thinking"`
				} `json:"delta"`
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						events <- ports.LLMStreamEvent{Type: ports.LLMStreamContent, Content: ev.Delta.Text}
					}
				case "thinking_delta":
					if ev.Delta.Thinking != "" {
						events <- ports.LLMStreamEvent{Type: ports.LLMStreamReasoning, Reasoning: ev.Delta.Thinking}
					}
				}
			case "message_stop":
				return
			case "error":
				events <- ports.LLMStreamEvent{Type: ports.LLMStreamError,
					Err: models.NewPipelineError(models.ErrorKindProvider, ev.Error.Message, nil)}
				return
			}
		}
	}()
	return events, nil
}
