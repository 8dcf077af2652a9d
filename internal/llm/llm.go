// Package llm routes uniform chat requests to the protocol adapter
// owning a model id. Built-in providers cover the OpenAI-compatible,
// Anthropic and Google wire families; user-registered custom models
// bind arbitrary HTTP endpoints to one of those families.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/longregen/rubric/internal/ports"
)

// defaultTimeoutMs applies when the caller did not set a per-call
// timeout.
const defaultTimeoutMs = 30_000

type family string

const (
	familyOpenAI    family = "openai"
	familyAnthropic family = "anthropic"
	familyGoogle    family = "google"
)

type providerSpec struct {
	family  family
	baseURL string
	envKey  string
}

// builtinProviders maps the recognized provider identifiers to their
// wire family, default endpoint and credential variable.
var builtinProviders = map[string]providerSpec{
	"openai":     {familyOpenAI, "https://api.openai.com/v1", "OPENAI_API_KEY"},
	"mistral":    {familyOpenAI, "https://api.mistral.ai/v1", "MISTRAL_API_KEY"},
	"together":   {familyOpenAI, "https://api.together.xyz/v1", "TOGETHER_API_KEY"},
	"xai":        {familyOpenAI, "https://api.x.ai/v1", "XAI_API_KEY"},
	"openrouter": {familyOpenAI, "https://openrouter.ai/api/v1", "OPENROUTER_API_KEY"},
	"anthropic":  {familyAnthropic, "https://api.anthropic.com", "ANTHROPIC_API_KEY"},
	"google":     {familyGoogle, "https://generativelanguage.googleapis.com/v1beta", "GOOGLE_API_KEY"},
}

// ParseModelID splits "<provider>:<model-name>" into its parts. The
// provider is case-insensitive; the model name may contain '/' but not
// another ':'.
func ParseModelID(modelID string) (provider, model string, err error) {
	idx := strings.Index(modelID, ":")
	if idx <= 0 || idx == len(modelID)-1 {
		return "", "", fmt.Errorf("model id %q is not of the form <provider>:<model-name>", modelID)
	}
	provider = strings.ToLower(modelID[:idx])
	model = modelID[idx+1:]
	if strings.Contains(model, ":") {
		return "", "", fmt.Errorf("model name in %q must not contain ':'", modelID)
	}
	return provider, model, nil
}

// OpenAICompatibleEndpoint resolves a built-in provider to its base
// URL and credential variable when it speaks the openai-compatible
// wire. Clients sharing the provider table (the embedding client) use
// this instead of carrying their own copy. ok is false for unknown
// providers and for providers on another wire family.
func OpenAICompatibleEndpoint(provider string) (baseURL, envKey string, ok bool) {
	spec, found := builtinProviders[strings.ToLower(provider)]
	if !found || spec.family != familyOpenAI {
		return "", "", false
	}
	return spec.baseURL, spec.envKey, true
}

// UnknownProviderError reports a model id whose provider is neither a
// built-in nor a registered custom model.
type UnknownProviderError struct {
	ModelID string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider for model id %q: not a built-in provider and no custom model registered under that id", e.ModelID)
}

// HTTPStatusError is a non-2xx provider reply. RetryAfter carries the
// parsed Retry-After hint when the provider sent one.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "…"
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, body)
}

// HTTPStatus exposes the status code for retry classification.
func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint exposes the provider's requested backoff.
func (e *HTTPStatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

// effortBudget maps a reasoning effort to a thinking-token budget for
// providers that take budgets rather than effort levels.
func effortBudget(effort ports.ReasoningEffort) int {
	switch effort {
	case ports.ReasoningEffortLow:
		return 1024
	case ports.ReasoningEffortMedium:
		return 4096
	case ports.ReasoningEffortHigh:
		return 8192
	default:
		return 0
	}
}

// thinkingBudget resolves the explicit budget, falling back to the
// effort mapping.
func thinkingBudget(opts ports.LLMCallOptions) int {
	if opts.ThinkingBudget > 0 {
		return opts.ThinkingBudget
	}
	return effortBudget(opts.ReasoningEffort)
}
