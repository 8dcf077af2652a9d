// Package services holds the pipeline stages: cell generation, cohort
// fan-out, embedding similarity, coverage grading, artifact assembly
// and run cloning.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/longregen/rubric/internal/adapters/cache"
	"github.com/longregen/rubric/internal/adapters/circuitbreaker"
	"github.com/longregen/rubric/internal/adapters/metrics"
	"github.com/longregen/rubric/internal/adapters/ratelimit"
	"github.com/longregen/rubric/internal/adapters/retry"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// DefaultGenerationTimeout bounds one adapter call.
const DefaultGenerationTimeout = 30 * time.Second

// DefaultGenerationRetries is the transient-error retry budget per cell.
const DefaultGenerationRetries = 3

// ProviderResolver maps a model id onto the provider bucket whose rate
// limiter governs it. The LLM dispatcher implements it.
type ProviderResolver interface {
	ProviderKey(modelID string) string
}

// GenerationRequest is one cohort cell to answer.
type GenerationRequest struct {
	PromptID         string
	BaseModelID      string
	EffectiveModelID string
	Messages         []models.ConversationMessage
	SystemPrompt     *string
	Temperature      *float64
}

// GenerationService answers single cells. Each call runs through the
// cache, the provider's rate limiter, a bounded retry loop and the
// model's circuit breaker; failures come back as error details, never
// as pipeline aborts.
type GenerationService struct {
	client   ports.LLMClient
	resolver ProviderResolver
	limiters *ratelimit.Registry
	breakers *circuitbreaker.Registry
	logger   *slog.Logger

	store      ports.CacheStore
	cacheScope string
	timeout    time.Duration
	retries    int
}

// GenerationOption configures optional service behavior.
type GenerationOption func(*GenerationService)

// WithGenerationCache memoizes successful cells in store. Scope
// partitions the keyspace so distinct deployments do not share entries.
func WithGenerationCache(store ports.CacheStore, scope string) GenerationOption {
	return func(s *GenerationService) {
		s.store = store
		s.cacheScope = scope
	}
}

// WithGenerationTimeout overrides the per-call timeout.
func WithGenerationTimeout(d time.Duration) GenerationOption {
	return func(s *GenerationService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithGenerationRetries overrides the transient-error retry budget.
func WithGenerationRetries(n int) GenerationOption {
	return func(s *GenerationService) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// NewGenerationService wires the cell generator. limiters and breakers
// are owned by the run; the client is the provider dispatcher.
func NewGenerationService(
	client ports.LLMClient,
	resolver ProviderResolver,
	limiters *ratelimit.Registry,
	breakers *circuitbreaker.Registry,
	opts ...GenerationOption,
) *GenerationService {
	s := &GenerationService{
		client:   client,
		resolver: resolver,
		limiters: limiters,
		breakers: breakers,
		logger:   slog.With("component", "generation"),
		timeout:  DefaultGenerationTimeout,
		retries:  DefaultGenerationRetries,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// generationKey is the cache identity of one cell.
type generationKey struct {
	ModelID     string                       `json:"modelId"`
	Messages    []models.ConversationMessage `json:"messages"`
	System      *string                      `json:"system,omitempty"`
	Temperature *float64                     `json:"temperature,omitempty"`
	Scope       string                       `json:"scope,omitempty"`
}

// Generate answers one cell. The returned detail always exists: a
// failed cell carries the error sentinel text and HasError.
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest) *models.ModelResponseDetail {
	provider := s.resolver.ProviderKey(req.BaseModelID)

	key := s.cacheKey(req)
	if key != "" {
		var cached models.ModelResponseDetail
		hit, err := cache.GetInto(ctx, s.store, cache.NamespaceGeneration, key, &cached)
		if err != nil {
			s.logger.Warn("generation cache read failed", "promptId", req.PromptID, "error", err)
		}
		if hit {
			metrics.CacheOpsTotal.WithLabelValues(cache.NamespaceGeneration, "hit").Inc()
			return &cached
		}
		metrics.CacheOpsTotal.WithLabelValues(cache.NamespaceGeneration, "miss").Inc()
	}

	limiter := s.limiters.For(provider)
	if err := limiter.Acquire(ctx); err != nil {
		return s.errorDetail(ctx, req, err)
	}
	defer limiter.Release()

	var result *ports.LLMCallResult
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = s.retries

	start := time.Now()
	err := s.breakers.For(req.BaseModelID).Execute(ctx, func() error {
		return retry.Do(ctx, cfg, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			r, callErr := s.client.MakeAPICall(callCtx, s.callOptions(req))
			switch {
			case callErr == nil:
				limiter.OnSuccess()
				result = r
				return nil
			case retry.IsRateLimited(callErr):
				limiter.OnRateLimit(retry.RetryAfterOf(callErr))
				return callErr
			default:
				// Timeouts, transport faults and cancellations reset
				// the success streak without shrinking capacity.
				limiter.OnError()
				return callErr
			}
		})
	})
	metrics.GenerationDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.GenerationsTotal.WithLabelValues(provider, "error").Inc()
		return s.errorDetail(ctx, req, err)
	}
	metrics.GenerationsTotal.WithLabelValues(provider, "ok").Inc()

	detail := s.successDetail(req, result)
	if key != "" {
		if err := cache.Put(ctx, s.store, cache.NamespaceGeneration, key, detail); err != nil {
			s.logger.Warn("generation cache write failed", "promptId", req.PromptID, "error", err)
		}
	}
	return detail
}

func (s *GenerationService) cacheKey(req GenerationRequest) string {
	if s.store == nil {
		return ""
	}
	key, err := cache.Key(generationKey{
		ModelID:     req.BaseModelID,
		Messages:    req.Messages,
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
		Scope:       s.cacheScope,
	})
	if err != nil {
		s.logger.Warn("generation cache key failed", "promptId", req.PromptID, "error", err)
		return ""
	}
	return key
}

func (s *GenerationService) callOptions(req GenerationRequest) ports.LLMCallOptions {
	opts := ports.LLMCallOptions{
		ModelID:     req.BaseModelID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TimeoutMs:   int(s.timeout.Milliseconds()),
	}
	if req.SystemPrompt != nil && !leadsWithSystem(req.Messages) {
		opts.SystemPrompt = req.SystemPrompt
	}
	return opts
}

func (s *GenerationService) successDetail(req GenerationRequest, result *ports.LLMCallResult) *models.ModelResponseDetail {
	history := make([]models.ConversationMessage, 0, len(req.Messages)+2)
	if req.SystemPrompt != nil && !leadsWithSystem(req.Messages) {
		history = append(history, models.ConversationMessage{
			Role:    models.ChatRoleSystem,
			Content: *req.SystemPrompt,
		})
	}
	history = append(history, req.Messages...)
	history = append(history, models.ConversationMessage{
		Role:    models.ChatRoleAssistant,
		Content: result.ResponseText,
	})
	return &models.ModelResponseDetail{
		FinalAssistantResponseText: result.ResponseText,
		FullConversationHistory:    history,
		SystemPromptUsed:           req.SystemPrompt,
		ToolCalls:                  result.ToolCalls,
		ReasoningContent:           result.ReasoningContent,
	}
}

func (s *GenerationService) errorDetail(ctx context.Context, req GenerationRequest, err error) *models.ModelResponseDetail {
	kind := models.KindOf(err)
	metrics.CellErrorsTotal.WithLabelValues(string(kind)).Inc()
	s.logger.WarnContext(ctx, "cell generation failed",
		"promptId", req.PromptID,
		"effectiveModel", req.EffectiveModelID,
		"kind", string(kind),
		"error", err,
	)
	msg := err.Error()
	return &models.ModelResponseDetail{
		FinalAssistantResponseText: models.ErrorSentinel(msg),
		HasError:                   true,
		ErrorMessage:               msg,
		SystemPromptUsed:           req.SystemPrompt,
	}
}

func leadsWithSystem(msgs []models.ConversationMessage) bool {
	return len(msgs) > 0 && msgs[0].Role == models.ChatRoleSystem
}
