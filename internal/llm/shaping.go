package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// applyParameterOverrides finishes a request body: standard keys are
// renamed per the mapping, then definition parameters and per-call
// custom parameters land last. A nil value deletes the key outright;
// every other value (false, 0, "") sets it.
func applyParameterOverrides(body map[string]any, mapping map[string]string, layers ...map[string]any) {
	for std, native := range mapping {
		if v, ok := body[std]; ok {
			delete(body, std)
			body[native] = v
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			if v == nil {
				delete(body, k)
				continue
			}
			body[k] = v
		}
	}
}

// completionsPrompt collapses chat turns into a single prompt string.
// Conversational mode labels each turn and appends a trailing
// "Assistant:" cue; raw mode concatenates contents with separators and
// no labels.
func completionsPrompt(messages []models.ConversationMessage, systemPrompt *string, format models.PromptFormat) string {
	var sb strings.Builder
	if format == models.PromptFormatRaw {
		var parts []string
		if systemPrompt != nil && *systemPrompt != "" {
			parts = append(parts, *systemPrompt)
		}
		for _, m := range messages {
			parts = append(parts, m.Content)
		}
		return strings.Join(parts, "\n\n")
	}
	if systemPrompt != nil && *systemPrompt != "" {
		sb.WriteString(*systemPrompt)
		sb.WriteString("\n\n")
	}
	for _, m := range messages {
		switch m.Role {
		case models.ChatRoleAssistant:
			sb.WriteString("Assistant: ")
		case models.ChatRoleSystem:
			// System turns inside the list are treated as context in
			// completions mode.
			sb.WriteString("")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")
	return sb.String()
}

// callContext applies the per-call timeout, defaulting when unset, and
// returns the effective milliseconds for error messages.
func callContext(ctx context.Context, opts ports.LLMCallOptions) (context.Context, context.CancelFunc, int) {
	ms := opts.TimeoutMs
	if ms <= 0 {
		ms = defaultTimeoutMs
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	return cctx, cancel, ms
}

// timeoutError rewraps a deadline hit as the uniform timeout error. A
// cancellation arriving from the parent context passes through
// untouched so schedulers can tell shutdown from slowness.
func timeoutError(ctx, parent context.Context, provider string, ms int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return models.NewPipelineError(models.ErrorKindTimeout,
			fmt.Sprintf("%s call timed out after %dms", provider, ms), err)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return err
}

// doJSON posts body and returns the raw reply, mapping non-2xx to
// HTTPStatusError with any Retry-After hint parsed.
func doJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Error bodies are capped so a misbehaving endpoint cannot balloon
	// memory.
	const maxErrorBody = 1 << 20
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPStatusError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       string(b),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return io.ReadAll(resp.Body)
}

// openStream posts body and hands back the live response for SSE
// consumption. The caller owns closing it.
func openStream(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &HTTPStatusError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       string(b),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
