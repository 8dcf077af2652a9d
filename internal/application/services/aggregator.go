package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/longregen/rubric/internal/adapters/metrics"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// RunInputs carries everything the aggregator folds into an artifact.
type RunInputs struct {
	Blueprint       *models.Blueprint
	RunLabel        string
	EffectiveModels []string
	ModelSystems    map[string]*string
	Responses       models.ResponseMap
	Embeddings      *EmbeddingEvaluation
	Coverage        models.CoverageMap
	EvalMethods     []models.EvalMethod
}

// Aggregator assembles the run artifact and persists it through the
// result store, optionally mirroring it into the run index.
type Aggregator struct {
	store  ports.ResultStore
	index  ports.RunIndex
	clock  func() time.Time
	logger *slog.Logger
}

// AggregatorOption configures optional aggregator behavior.
type AggregatorOption func(*Aggregator)

// WithRunIndex mirrors persisted runs into idx. Index failures are
// logged, never fatal.
func WithRunIndex(idx ports.RunIndex) AggregatorOption {
	return func(a *Aggregator) { a.index = idx }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAggregator wires the artifact writer.
func NewAggregator(store ports.ResultStore, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:  store,
		clock:  time.Now,
		logger: slog.With("component", "aggregator"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Build folds the run's outputs into one artifact and checks the cell
// invariants: every real cell holds either a response or an error.
func (a *Aggregator) Build(in RunInputs) (*models.RunArtifact, error) {
	bp := in.Blueprint

	artifact := &models.RunArtifact{
		ConfigID:    bp.ID,
		ConfigTitle: configTitle(bp),
		RunLabel:    in.RunLabel,
		Timestamp:   models.SafeTimestamp(a.clock()),
		Description: bp.Description,
		Tags:        bp.Tags,
		EvalMethods: in.EvalMethods,
	}

	promptIDs := make([]string, 0, len(bp.Prompts))
	contexts := make(map[string]models.PromptContext, len(bp.Prompts))
	for i := range bp.Prompts {
		p := &bp.Prompts[i]
		promptIDs = append(promptIDs, p.ID)
		if len(p.Messages) > 0 {
			contexts[p.ID] = models.PromptContext{Messages: p.Messages}
		} else {
			contexts[p.ID] = models.PromptContext{Text: p.PromptText}
		}
	}
	sort.Strings(promptIDs)
	artifact.PromptIDs = promptIDs
	artifact.PromptContexts = contexts

	effective := append([]string(nil), in.EffectiveModels...)
	sort.Strings(effective)
	artifact.EffectiveModels = effective

	systems := make(map[string]*string, len(in.ModelSystems))
	for id, sys := range in.ModelSystems {
		systems[id] = sys
	}
	artifact.ModelSystemPrompts = systems

	texts := make(map[string]map[string]string)
	histories := make(map[string]map[string][]models.ConversationMessage)
	cellErrors := make(map[string]map[string]string)
	for promptID, perModel := range in.Responses {
		for modelID, d := range perModel {
			if d == nil {
				continue
			}
			if texts[promptID] == nil {
				texts[promptID] = make(map[string]string, len(perModel))
			}
			texts[promptID][modelID] = d.FinalAssistantResponseText
			if len(d.FullConversationHistory) > 0 {
				if histories[promptID] == nil {
					histories[promptID] = make(map[string][]models.ConversationMessage)
				}
				histories[promptID][modelID] = d.FullConversationHistory
			}
			if d.HasError {
				if cellErrors[promptID] == nil {
					cellErrors[promptID] = make(map[string]string)
				}
				cellErrors[promptID][modelID] = d.ErrorMessage
			}
		}
	}
	artifact.AllFinalAssistantResponses = texts
	if len(histories) > 0 {
		artifact.FullConversationHistories = histories
	}
	if len(cellErrors) > 0 {
		artifact.Errors = cellErrors
	}

	if in.Embeddings != nil {
		artifact.EvaluationResults.SimilarityMatrix = in.Embeddings.Overall
		artifact.EvaluationResults.PerPromptSimilarities = in.Embeddings.PerPrompt
	}
	if len(in.Coverage) > 0 {
		artifact.EvaluationResults.LLMCoverageScores = in.Coverage
	}

	if err := validateArtifact(artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Persist writes the artifact through the result store and mirrors it
// into the run index when one is attached.
func (a *Aggregator) Persist(ctx context.Context, artifact *models.RunArtifact) error {
	if err := a.store.SaveResult(ctx, artifact.ConfigID, artifact); err != nil {
		return fmt.Errorf("persist run artifact: %w", err)
	}
	metrics.ArtifactsWrittenTotal.Inc()
	a.logger.InfoContext(ctx, "artifact written",
		"configId", artifact.ConfigID,
		"runLabel", artifact.RunLabel,
		"file", artifact.FileName(),
	)
	if a.index != nil {
		if err := a.index.IndexRun(ctx, artifact.ConfigID, artifact); err != nil {
			a.logger.Warn("run index update failed",
				"configId", artifact.ConfigID, "runLabel", artifact.RunLabel, "error", err)
		}
	}
	return nil
}

func configTitle(bp *models.Blueprint) string {
	if bp.Title != "" {
		return bp.Title
	}
	return bp.ID
}

// validateArtifact enforces the artifact shape: identity fields
// present, and a response or error in every (prompt, model) cell. The
// ideal column is exempt since it exists only for prompts with an
// ideal response.
func validateArtifact(a *models.RunArtifact) error {
	var problems []string
	if a.ConfigID == "" {
		problems = append(problems, "configId missing")
	}
	if a.RunLabel == "" {
		problems = append(problems, "runLabel missing")
	}
	if len(a.PromptIDs) == 0 {
		problems = append(problems, "no prompt ids")
	}
	if len(a.EffectiveModels) == 0 {
		problems = append(problems, "no effective models")
	}
	for _, promptID := range a.PromptIDs {
		for _, modelID := range a.EffectiveModels {
			if modelID == models.IdealModelID {
				continue
			}
			if _, ok := a.AllFinalAssistantResponses[promptID][modelID]; ok {
				continue
			}
			if _, ok := a.Errors[promptID][modelID]; ok {
				continue
			}
			problems = append(problems, fmt.Sprintf("cell %s/%s has neither response nor error", promptID, modelID))
		}
	}
	if len(problems) > 0 {
		return &models.PipelineError{
			Kind:    models.ErrorKindConfig,
			Message: "artifact invariant violated: " + strings.Join(problems, "; "),
		}
	}
	return nil
}
