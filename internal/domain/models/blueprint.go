package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRole identifies the author of a conversation turn.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ConversationMessage is a single turn of a prompt or of a recorded
// model conversation.
type ConversationMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// ModelFormat selects the request body family for a custom model.
type ModelFormat string

const (
	ModelFormatChat        ModelFormat = "chat"
	ModelFormatCompletions ModelFormat = "completions"
)

// PromptFormat controls how messages collapse into a completions prompt.
type PromptFormat string

const (
	// PromptFormatConversational labels each turn and appends a trailing
	// "Assistant:" cue.
	PromptFormatConversational PromptFormat = "conversational"
	// PromptFormatRaw concatenates turn contents with separators only.
	PromptFormatRaw PromptFormat = "raw"
)

// CustomModelDefinition binds a user-chosen model id to an arbitrary
// HTTP endpoint that speaks one of the built-in protocol families.
type CustomModelDefinition struct {
	ID               string            `json:"id"`
	URL              string            `json:"url"`
	ModelName        string            `json:"modelName"`
	Inherit          string            `json:"inherit"`
	Format           ModelFormat       `json:"format,omitempty"`
	PromptFormat     PromptFormat      `json:"promptFormat,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	ParameterMapping map[string]string `json:"parameterMapping,omitempty"`
	Parameters       map[string]any    `json:"parameters,omitempty"`
}

// ModelRef is either a plain "<provider>:<model>" string or an inline
// custom model definition.
type ModelRef struct {
	ID     string
	Custom *CustomModelDefinition
}

func (m *ModelRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		m.ID = s
		m.Custom = nil
		return nil
	}
	var def CustomModelDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("model entry must be a string or a custom model object: %w", err)
	}
	if def.ID == "" {
		return fmt.Errorf("custom model entry missing id")
	}
	m.ID = def.ID
	m.Custom = &def
	return nil
}

func (m ModelRef) MarshalJSON() ([]byte, error) {
	if m.Custom != nil {
		return json.Marshal(m.Custom)
	}
	return json.Marshal(m.ID)
}

// JudgeMode selects how multiple judge models combine into one verdict.
type JudgeMode string

const (
	// JudgeModeFailover tries judges in order and keeps the first
	// non-erroring verdict.
	JudgeModeFailover JudgeMode = "failover"
	// JudgeModeConsensus queries all judges and averages the
	// non-erroring verdicts.
	JudgeModeConsensus JudgeMode = "consensus"
)

// EvaluationConfig carries judge settings for coverage grading.
type EvaluationConfig struct {
	JudgeModels []string  `json:"judgeModels,omitempty"`
	JudgeMode   JudgeMode `json:"judgeMode,omitempty"`
}

// ExternalService describes an HTTP grading backend reachable through
// the "call" point function.
type ExternalService struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Retries   int               `json:"retries,omitempty"`
	Cache     bool              `json:"cache,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
}

// Prompt is one evaluation case: a conversation to send to every model
// in the cohort plus the criteria its answers are graded against.
type Prompt struct {
	ID          string                `json:"id"`
	Messages    []ConversationMessage `json:"messages,omitempty"`
	PromptText  string                `json:"promptText,omitempty"`
	System      *string               `json:"system,omitempty"`
	Temperature *float64              `json:"temperature,omitempty"`
	Points      []PointDefinition     `json:"points,omitempty"`
	ShouldNot   []PointDefinition     `json:"should_not,omitempty"`
	Ideal       string                `json:"idealResponse,omitempty"`
	Citation    string                `json:"citation,omitempty"`
	Description string                `json:"description,omitempty"`
}

// EffectiveMessages returns the prompt's turns, normalizing a bare
// promptText to a single user turn.
func (p *Prompt) EffectiveMessages() []ConversationMessage {
	if len(p.Messages) > 0 {
		out := make([]ConversationMessage, len(p.Messages))
		copy(out, p.Messages)
		return out
	}
	return []ConversationMessage{{Role: ChatRoleUser, Content: p.PromptText}}
}

// Blueprint is the declarative description of one comparison run:
// which prompts to ask, which models to ask them of, which cohort axes
// to permute, and how to grade the answers.
type Blueprint struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	Prompts []Prompt   `json:"prompts"`
	Models  []ModelRef `json:"models"`

	Temperatures []float64 `json:"temperatures,omitempty"`
	Systems      []*string `json:"systems,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	System       *string   `json:"system,omitempty"`

	Concurrency    int               `json:"concurrency,omitempty"`
	EmbeddingModel string            `json:"embeddingModel,omitempty"`
	Evaluation     *EvaluationConfig `json:"evaluationConfig,omitempty"`

	ExternalServices map[string]ExternalService `json:"externalServices,omitempty"`
}

// Validate checks the blueprint invariants that make a run well formed.
// All violations are reported together.
func (b *Blueprint) Validate() error {
	var problems []string
	if b.ID == "" {
		problems = append(problems, "blueprint id is required")
	}
	if len(b.Models) == 0 {
		problems = append(problems, "blueprint needs at least one model")
	}
	if len(b.Prompts) == 0 {
		problems = append(problems, "blueprint needs at least one prompt")
	}
	seen := make(map[string]bool, len(b.Prompts))
	for i := range b.Prompts {
		p := &b.Prompts[i]
		if p.ID == "" {
			problems = append(problems, fmt.Sprintf("prompt %d has no id", i))
			continue
		}
		if seen[p.ID] {
			problems = append(problems, fmt.Sprintf("duplicate prompt id %q", p.ID))
		}
		seen[p.ID] = true
		if len(p.Messages) == 0 && p.PromptText == "" {
			problems = append(problems, fmt.Sprintf("prompt %q has neither messages nor promptText", p.ID))
		}
		for j, m := range p.Messages {
			switch m.Role {
			case ChatRoleSystem, ChatRoleUser, ChatRoleAssistant:
			default:
				problems = append(problems, fmt.Sprintf("prompt %q message %d has invalid role %q", p.ID, j, m.Role))
			}
		}
	}
	seenModels := make(map[string]bool, len(b.Models))
	for _, m := range b.Models {
		if m.ID == "" {
			problems = append(problems, "model entry with empty id")
			continue
		}
		if seenModels[m.ID] {
			problems = append(problems, fmt.Sprintf("duplicate model id %q", m.ID))
		}
		seenModels[m.ID] = true
	}
	if len(problems) > 0 {
		return &PipelineError{Kind: ErrorKindConfig, Message: strings.Join(problems, "; ")}
	}
	return nil
}

// TemperaturesToRun resolves the temperature axis. The axis wins over
// the scalar; with neither set the single default temperature applies.
func (b *Blueprint) TemperaturesToRun() []float64 {
	if len(b.Temperatures) > 0 {
		out := make([]float64, len(b.Temperatures))
		copy(out, b.Temperatures)
		return out
	}
	if b.Temperature != nil {
		return []float64{*b.Temperature}
	}
	return []float64{DefaultTemperature}
}

// SystemsToRun resolves the system-prompt axis. A nil element is a
// legitimate value meaning "no system prompt".
func (b *Blueprint) SystemsToRun() []*string {
	if len(b.Systems) > 0 {
		out := make([]*string, len(b.Systems))
		copy(out, b.Systems)
		return out
	}
	return []*string{b.System}
}

// ResolveSystemPrompt applies the system-prompt precedence for one
// prompt at one cohort index. When the systems axis is configured its
// entry governs outright, a nil entry meaning "no system prompt".
// Without an axis, the prompt's own system wins over the blueprint-wide
// one.
func (b *Blueprint) ResolveSystemPrompt(sysIdx int, p *Prompt) *string {
	if len(b.Systems) > 0 {
		if sysIdx >= 0 && sysIdx < len(b.Systems) {
			return b.Systems[sysIdx]
		}
		return nil
	}
	if p != nil && p.System != nil {
		return p.System
	}
	return b.System
}

// DefaultTemperature is used when neither axis nor scalar temperature
// is configured.
const DefaultTemperature = 0.0

// DefaultConcurrency bounds the generation pool when the blueprint does
// not set one.
const DefaultConcurrency = 10

// EffectiveConcurrency returns the generation pool size for this run.
func (b *Blueprint) EffectiveConcurrency() int {
	if b.Concurrency > 0 {
		return b.Concurrency
	}
	return DefaultConcurrency
}

// HasIdealResponses reports whether any prompt carries an ideal
// reference answer.
func (b *Blueprint) HasIdealResponses() bool {
	for i := range b.Prompts {
		if b.Prompts[i].Ideal != "" {
			return true
		}
	}
	return false
}
