package ports

import (
	"context"

	"github.com/longregen/rubric/internal/domain/models"
)

// ReasoningEffort is the provider-independent reasoning depth request.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// LLMCallOptions is the uniform request contract every protocol
// adapter accepts. Zero values mean "not set" except Temperature,
// which is pointer-typed because 0 is a meaningful temperature.
type LLMCallOptions struct {
	ModelID          string
	Messages         []models.ConversationMessage
	SystemPrompt     *string
	Temperature      *float64
	MaxTokens        int
	TimeoutMs        int
	TopP             *float64
	TopK             *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stop             []string
	ReasoningEffort  ReasoningEffort
	ThinkingBudget   int
	CustomParameters map[string]any
}

// LLMCallResult is the uniform non-streaming response contract.
type LLMCallResult struct {
	ResponseText     string
	ReasoningContent string
	ToolCalls        []models.ToolCall
}

// LLMStreamEventType discriminates streamed chunk payloads.
type LLMStreamEventType string

const (
	LLMStreamContent   LLMStreamEventType = "content"
	LLMStreamReasoning LLMStreamEventType = "reasoning"
	LLMStreamError     LLMStreamEventType = "error"
)

// LLMStreamEvent is one element of a streamed response.
type LLMStreamEvent struct {
	Type      LLMStreamEventType
	Content   string
	Reasoning string
	Err       error
}

// LLMClient routes uniform requests to the adapter owning the model id.
type LLMClient interface {
	MakeAPICall(ctx context.Context, opts LLMCallOptions) (*LLMCallResult, error)
	StreamAPICall(ctx context.Context, opts LLMCallOptions) (<-chan LLMStreamEvent, error)
}

// EmbeddingClient turns texts into vectors. Implementations chunk
// over-long inputs and mean-pool the chunk vectors.
type EmbeddingClient interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}
