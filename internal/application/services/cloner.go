package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// CloneRequest names the source run a clone starts from.
type CloneRequest struct {
	SourceConfigID  string
	SourceRunLabel  string
	SourceTimestamp string
}

// CloneService re-runs a blueprint against a prior run, reusing every
// response and judgement the prompt delta allows and generating only
// the rest.
type CloneService struct {
	store    ports.ResultStore
	pipeline *PipelineService
	logger   *slog.Logger
}

// NewCloneService wires the cloner.
func NewCloneService(store ports.ResultStore, pipeline *PipelineService) *CloneService {
	return &CloneService{
		store:    store,
		pipeline: pipeline,
		logger:   slog.With("component", "cloner"),
	}
}

// promptDelta classifies target prompts against a source artifact.
type promptDelta struct {
	added     []string
	removed   []string
	changed   []string
	unchanged map[string]bool
}

// Clone loads the source artifact, computes the prompt delta, seeds
// the pipeline with everything reusable and executes the target
// blueprint. Cloning the unchanged blueprint reuses every cell and
// reproduces the artifact with a fresh timestamp.
func (s *CloneService) Clone(ctx context.Context, req CloneRequest, target *models.Blueprint, opts RunOptions) (*models.RunArtifact, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	fileName := models.ArtifactFileName(req.SourceRunLabel, req.SourceTimestamp)
	source, err := s.store.GetResultByFileName(ctx, req.SourceConfigID, fileName)
	if err != nil {
		return nil, fmt.Errorf("load source run %s/%s: %w", req.SourceConfigID, fileName, err)
	}

	delta := diffPrompts(source, target)
	targetLabel := models.ComputeRunLabel(target)
	s.logger.Info("clone plan",
		"sourceRun", req.SourceRunLabel,
		"targetRun", targetLabel,
		"plan", fmt.Sprintf("+%d/-%d/Δ%d", len(delta.added), len(delta.removed), len(delta.changed)),
		"unchanged", len(delta.unchanged),
	)

	prefillResponses := make(models.ResponseMap)
	prefillCoverage := make(models.CoverageMap)
	normalized := make(map[string][]models.NormalizedPoint, len(target.Prompts))
	for i := range target.Prompts {
		p := &target.Prompts[i]
		pts, err := models.NormalizePoints(p)
		if err != nil {
			return nil, err
		}
		normalized[p.ID] = pts
	}

	sourceModels := make(map[string]bool, len(source.EffectiveModels))
	for _, id := range source.EffectiveModels {
		sourceModels[id] = true
	}

	reusedResponses, reusedCoverage := 0, 0
	for _, c := range expandCells(target) {
		promptID := c.prompt.ID
		if !delta.unchanged[promptID] {
			continue
		}
		if !sourceModels[c.effectiveID] {
			continue
		}
		text, ok := source.AllFinalAssistantResponses[promptID][c.effectiveID]
		if !ok {
			continue
		}
		if _, errored := source.Errors[promptID][c.effectiveID]; errored {
			continue
		}
		if !systemPromptsEqual(source.ModelSystemPrompts[c.effectiveID], c.system) {
			continue
		}

		detail := &models.ModelResponseDetail{
			FinalAssistantResponseText: text,
			SystemPromptUsed:           c.system,
		}
		if perPrompt, ok := source.FullConversationHistories[promptID]; ok {
			detail.FullConversationHistory = perPrompt[c.effectiveID]
		}
		prefillResponses.Put(promptID, c.effectiveID, detail)
		reusedResponses++

		if cov := source.EvaluationResults.LLMCoverageScores.Get(promptID, c.effectiveID); cov != nil {
			if coverageReusable(normalized[promptID], cov) {
				prefillCoverage.Put(promptID, c.effectiveID, cov)
				reusedCoverage++
			}
		}
	}
	s.logger.Info("clone reuse",
		"responses", reusedResponses,
		"coverage", reusedCoverage,
	)

	opts.PrefillResponses = prefillResponses
	opts.PrefillCoverage = prefillCoverage
	return s.pipeline.Execute(ctx, target, opts)
}

// diffPrompts classifies every prompt by deep-comparing its effective
// messages against the source artifact's recorded contexts.
func diffPrompts(source *models.RunArtifact, target *models.Blueprint) promptDelta {
	delta := promptDelta{unchanged: make(map[string]bool)}
	targetIDs := make(map[string]bool, len(target.Prompts))
	for i := range target.Prompts {
		p := &target.Prompts[i]
		targetIDs[p.ID] = true
		srcCtx, ok := source.PromptContexts[p.ID]
		if !ok {
			delta.added = append(delta.added, p.ID)
			continue
		}
		if messagesEqual(contextMessages(srcCtx), p.EffectiveMessages()) {
			delta.unchanged[p.ID] = true
		} else {
			delta.changed = append(delta.changed, p.ID)
		}
	}
	for _, id := range source.PromptIDs {
		if !targetIDs[id] {
			delta.removed = append(delta.removed, id)
		}
	}
	return delta
}

// contextMessages normalizes a recorded prompt context to its message
// form, mirroring Prompt.EffectiveMessages.
func contextMessages(c models.PromptContext) []models.ConversationMessage {
	if len(c.Messages) > 0 {
		return c.Messages
	}
	return []models.ConversationMessage{{Role: models.ChatRoleUser, Content: c.Text}}
}

func messagesEqual(a, b []models.ConversationMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role || a[i].Content != b[i].Content {
			return false
		}
	}
	return true
}

func systemPromptsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// coverageReusable reports whether a recorded cell grading still
// matches the target prompt's points. The artifact does not carry the
// raw point definitions, so the rendered texts stand in: any drift in
// count or wording forces a regrade.
func coverageReusable(pts []models.NormalizedPoint, src *models.CoverageResult) bool {
	if src == nil || src.Error != "" {
		return false
	}
	if len(src.PointAssessments) != len(pts) {
		return false
	}
	remaining := make(map[string]int, len(pts))
	for _, np := range pts {
		remaining[np.DisplayText]++
	}
	for _, a := range src.PointAssessments {
		if remaining[a.KeyPointText] == 0 {
			return false
		}
		remaining[a.KeyPointText]--
	}
	return true
}
