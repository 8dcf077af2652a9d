package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// adapter is one protocol family bound to one endpoint.
type adapter interface {
	call(ctx context.Context, model string, opts ports.LLMCallOptions) (*ports.LLMCallResult, error)
	stream(ctx context.Context, model string, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error)
}

// Dispatcher implements ports.LLMClient over the built-in provider
// table plus a custom-model registry. Adapters are created lazily on
// first use and cached for the dispatcher's lifetime; construction
// failures (missing credentials) surface at the first call to that
// provider. A dispatcher is owned by one pipeline run, not shared
// process-wide.
type Dispatcher struct {
	httpClient      *http.Client
	env             func(string) string
	logger          *slog.Logger
	baseURLOverride string

	mu       sync.Mutex
	adapters map[string]adapter
	custom   map[string]*models.CustomModelDefinition
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithEnv replaces the credential lookup, mainly for tests.
func WithEnv(env func(string) string) Option {
	return func(d *Dispatcher) { d.env = env }
}

// WithBaseURL pins every built-in provider to one endpoint, for tests
// against a local fake.
func WithBaseURL(baseURL string) Option {
	return func(d *Dispatcher) { d.baseURLOverride = baseURL }
}

// NewDispatcher builds an empty dispatcher reading credentials from
// the process environment.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{},
		env:        os.Getenv,
		logger:     slog.With("component", "llm"),
		adapters:   make(map[string]adapter),
		custom:     make(map[string]*models.CustomModelDefinition),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterCustomModels adds user-defined models to the registry. A
// model id equal to a registered custom id bypasses provider parsing
// entirely.
func (d *Dispatcher) RegisterCustomModels(defs []models.CustomModelDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			return fmt.Errorf("custom model %d has no id", i)
		}
		if def.URL == "" {
			return fmt.Errorf("custom model %q has no url", def.ID)
		}
		spec, ok := builtinProviders[strings.ToLower(def.Inherit)]
		if !ok {
			return fmt.Errorf("custom model %q inherits unknown provider %q", def.ID, def.Inherit)
		}
		if def.Format == models.ModelFormatCompletions && spec.family != familyOpenAI {
			return fmt.Errorf("custom model %q: completions format requires an openai-family provider, got %q", def.ID, def.Inherit)
		}
		d.custom[def.ID] = &def
		// A re-registration replaces any cached adapter.
		delete(d.adapters, customAdapterKey(def.ID))
	}
	return nil
}

// ProviderKey returns the rate-limiter key governing modelID: the
// lowercased provider for built-ins, the custom id for registered
// custom models.
func (d *Dispatcher) ProviderKey(modelID string) string {
	d.mu.Lock()
	_, isCustom := d.custom[modelID]
	d.mu.Unlock()
	if isCustom {
		return modelID
	}
	if provider, _, err := ParseModelID(modelID); err == nil {
		return provider
	}
	return modelID
}

// MakeAPICall routes one non-streaming request.
func (d *Dispatcher) MakeAPICall(ctx context.Context, opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
	a, model, err := d.adapterFor(opts.ModelID)
	if err != nil {
		return nil, err
	}
	return a.call(ctx, model, opts)
}

// StreamAPICall routes one streaming request. The returned channel is
// closed when the stream ends; errors arrive as error events.
func (d *Dispatcher) StreamAPICall(ctx context.Context, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error) {
	a, model, err := d.adapterFor(opts.ModelID)
	if err != nil {
		return nil, err
	}
	return a.stream(ctx, model, opts)
}

func customAdapterKey(id string) string { return "custom\x00" + id }

func (d *Dispatcher) adapterFor(modelID string) (adapter, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if def, ok := d.custom[modelID]; ok {
		key := customAdapterKey(modelID)
		if a, ok := d.adapters[key]; ok {
			return a, def.ModelName, nil
		}
		a, err := d.buildCustomAdapter(def)
		if err != nil {
			return nil, "", err
		}
		d.adapters[key] = a
		return a, def.ModelName, nil
	}

	provider, model, err := ParseModelID(modelID)
	if err != nil {
		return nil, "", &UnknownProviderError{ModelID: modelID}
	}
	spec, ok := builtinProviders[provider]
	if !ok {
		return nil, "", &UnknownProviderError{ModelID: modelID}
	}
	if a, ok := d.adapters[provider]; ok {
		return a, model, nil
	}
	a, err := d.buildBuiltinAdapter(provider, spec)
	if err != nil {
		return nil, "", err
	}
	d.adapters[provider] = a
	return a, model, nil
}

func (d *Dispatcher) buildBuiltinAdapter(provider string, spec providerSpec) (adapter, error) {
	apiKey := d.env(spec.envKey)
	if apiKey == "" {
		return nil, models.NewPipelineError(models.ErrorKindProviderAuth,
			fmt.Sprintf("provider %s needs %s in the environment", provider, spec.envKey), nil)
	}
	baseURL := spec.baseURL
	if d.baseURLOverride != "" {
		baseURL = d.baseURLOverride
	}
	switch spec.family {
	case familyAnthropic:
		return &anthropicAdapter{
			provider:   provider,
			endpoint:   baseURL + "/v1/messages",
			apiKey:     apiKey,
			httpClient: d.httpClient,
			logger:     d.logger.With("provider", provider),
		}, nil
	case familyGoogle:
		return &googleAdapter{
			provider:   provider,
			baseURL:    baseURL,
			apiKey:     apiKey,
			httpClient: d.httpClient,
			logger:     d.logger.With("provider", provider),
		}, nil
	default:
		return &openAIAdapter{
			provider:   provider,
			endpoint:   baseURL + "/chat/completions",
			apiKey:     apiKey,
			format:     models.ModelFormatChat,
			httpClient: d.httpClient,
			logger:     d.logger.With("provider", provider),
		}, nil
	}
}

func (d *Dispatcher) buildCustomAdapter(def *models.CustomModelDefinition) (adapter, error) {
	spec := builtinProviders[strings.ToLower(def.Inherit)]
	headers := expandHeaders(def.Headers, d.env)
	switch spec.family {
	case familyAnthropic:
		return &anthropicAdapter{
			provider:     def.ID,
			endpoint:     def.URL,
			apiKey:       d.env(spec.envKey),
			headers:      headers,
			paramMapping: def.ParameterMapping,
			parameters:   def.Parameters,
			httpClient:   d.httpClient,
			logger:       d.logger.With("provider", def.ID),
		}, nil
	case familyGoogle:
		return &googleAdapter{
			provider:     def.ID,
			endpointURL:  def.URL,
			apiKey:       d.env(spec.envKey),
			headers:      headers,
			paramMapping: def.ParameterMapping,
			parameters:   def.Parameters,
			httpClient:   d.httpClient,
			logger:       d.logger.With("provider", def.ID),
		}, nil
	default:
		format := def.Format
		if format == "" {
			format = models.ModelFormatChat
		}
		promptFormat := def.PromptFormat
		if promptFormat == "" {
			promptFormat = models.PromptFormatConversational
		}
		return &openAIAdapter{
			provider:     def.ID,
			endpoint:     def.URL,
			apiKey:       d.env(spec.envKey),
			headers:      headers,
			format:       format,
			promptFormat: promptFormat,
			paramMapping: def.ParameterMapping,
			parameters:   def.Parameters,
			httpClient:   d.httpClient,
			logger:       d.logger.With("provider", def.ID),
		}, nil
	}
}

// expandHeaders substitutes ${VAR} references from the environment.
func expandHeaders(headers map[string]string, env func(string) string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = os.Expand(v, env)
	}
	return out
}
