package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EvalMethod names one evaluation family recorded in the artifact.
type EvalMethod string

const (
	EvalMethodEmbedding   EvalMethod = "embedding"
	EvalMethodLLMCoverage EvalMethod = "llm-coverage"
)

// PromptContext is the artifact's record of what a prompt asked:
// either the bare prompt text or the full message list.
type PromptContext struct {
	Text     string
	Messages []ConversationMessage
}

func (c PromptContext) MarshalJSON() ([]byte, error) {
	if len(c.Messages) > 0 {
		return json.Marshal(c.Messages)
	}
	return json.Marshal(c.Text)
}

func (c *PromptContext) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		c.Messages = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.Text = ""
	return json.Unmarshal(data, &c.Messages)
}

// SimilarityMatrix maps model → model → cosine similarity. A nil entry
// records a pair whose similarity could not be computed.
type SimilarityMatrix map[string]map[string]*float64

// EvaluationResults groups the outputs of the evaluation families.
type EvaluationResults struct {
	SimilarityMatrix      SimilarityMatrix            `json:"similarityMatrix,omitempty"`
	PerPromptSimilarities map[string]SimilarityMatrix `json:"perPromptSimilarities,omitempty"`
	LLMCoverageScores     CoverageMap                 `json:"llmCoverageScores,omitempty"`
}

// RunArtifact is the single self-contained document persisted per
// pipeline execution.
type RunArtifact struct {
	ConfigID        string       `json:"configId"`
	ConfigTitle     string       `json:"configTitle"`
	RunLabel        string       `json:"runLabel"`
	Timestamp       string       `json:"timestamp"`
	Description     string       `json:"description,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	EvalMethods     []EvalMethod `json:"evalMethodsUsed"`
	EffectiveModels []string     `json:"effectiveModels"`
	PromptIDs       []string     `json:"promptIds"`

	PromptContexts     map[string]PromptContext `json:"promptContexts,omitempty"`
	ModelSystemPrompts map[string]*string       `json:"modelSystemPrompts,omitempty"`

	AllFinalAssistantResponses map[string]map[string]string                 `json:"allFinalAssistantResponses"`
	FullConversationHistories  map[string]map[string][]ConversationMessage `json:"fullConversationHistories,omitempty"`

	EvaluationResults EvaluationResults            `json:"evaluationResults"`
	Errors            map[string]map[string]string `json:"errors,omitempty"`

	ExecutiveSummary string `json:"executiveSummary,omitempty"`
}

// FileName returns the canonical artifact file name for this run.
func (a *RunArtifact) FileName() string {
	return ArtifactFileName(a.RunLabel, a.Timestamp)
}

// ArtifactFileName builds the canonical comparison document name.
func ArtifactFileName(runLabel, safeTimestamp string) string {
	return fmt.Sprintf("%s_%s_comparison.json", runLabel, safeTimestamp)
}

// SafeTimestamp renders t as a URL-safe ISO-8601 derivative with every
// ':' and '.' replaced by '-'.
func SafeTimestamp(t time.Time) string {
	iso := t.UTC().Format("2006-01-02T15:04:05.000Z")
	iso = strings.ReplaceAll(iso, ":", "-")
	return strings.ReplaceAll(iso, ".", "-")
}

// SafeModelID rewrites an effective model id into a form usable as a
// storage key segment.
func SafeModelID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', '?', '#', '%', '[', ']':
			return '_'
		default:
			return r
		}
	}, id)
}

// runLabelContent is the canonical subset of a blueprint that
// determines its run label. Field order fixes the serialization.
type runLabelContent struct {
	Models       []string         `json:"models"`
	Prompts      []runLabelPrompt `json:"prompts"`
	Temperatures []float64        `json:"temperatures,omitempty"`
	Systems      []*string        `json:"systems,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	System       *string          `json:"system,omitempty"`
}

type runLabelPrompt struct {
	ID        string                `json:"id"`
	Messages  []ConversationMessage `json:"messages"`
	System    *string               `json:"system,omitempty"`
	Temp      *float64              `json:"temperature,omitempty"`
	Points    []PointDefinition     `json:"points,omitempty"`
	ShouldNot []PointDefinition     `json:"should_not,omitempty"`
	Ideal     string                `json:"ideal,omitempty"`
}

// ComputeRunLabel derives the deterministic content hash of a
// blueprint. Models and prompts are sorted so that order-irrelevant
// reshuffles keep the label stable; titles, descriptions and tags do
// not participate.
func ComputeRunLabel(b *Blueprint) string {
	content := runLabelContent{
		Temperatures: b.Temperatures,
		Systems:      b.Systems,
		Temperature:  b.Temperature,
		System:       b.System,
	}
	for _, m := range b.Models {
		content.Models = append(content.Models, modelIdentity(m))
	}
	sort.Strings(content.Models)
	for i := range b.Prompts {
		p := &b.Prompts[i]
		content.Prompts = append(content.Prompts, runLabelPrompt{
			ID:        p.ID,
			Messages:  p.EffectiveMessages(),
			System:    p.System,
			Temp:      p.Temperature,
			Points:    p.Points,
			ShouldNot: p.ShouldNot,
			Ideal:     p.Ideal,
		})
	}
	sort.Slice(content.Prompts, func(i, j int) bool {
		return content.Prompts[i].ID < content.Prompts[j].ID
	})
	payload, err := json.Marshal(content)
	if err != nil {
		// Blueprint fields are all JSON-representable; a failure here
		// means a programming error in the content struct.
		panic(fmt.Sprintf("run label serialization: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

func modelIdentity(m ModelRef) string {
	if m.Custom == nil {
		return m.ID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", m.Custom.ID, m.Custom.URL, m.Custom.ModelName, m.Custom.Inherit, m.Custom.Format)
}
