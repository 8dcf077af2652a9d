package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/longregen/rubric/internal/domain/models"
)

// RunOptions tune one pipeline execution.
type RunOptions struct {
	// Fixtures replays recorded responses instead of live generation.
	Fixtures *FixtureDeck
	// FixturesStrict turns a deck miss into a cell error instead of a
	// live call.
	FixturesStrict bool
	// SkipEmbeddings drops the similarity stage.
	SkipEmbeddings bool
	// SkipCoverage drops the point-grading stage.
	SkipCoverage bool
	// PrefillResponses seeds cells that need no generation, keyed like
	// the response map. The cloner uses this to carry reused answers.
	PrefillResponses models.ResponseMap
	// PrefillCoverage seeds graded cells the coverage stage may keep.
	PrefillCoverage models.CoverageMap
}

// PipelineService runs one blueprint end to end: fan the cohort out
// over a bounded pool, evaluate, aggregate, persist.
type PipelineService struct {
	gen        *GenerationService
	similarity *SimilarityService
	coverage   *CoverageService
	aggregator *Aggregator
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewPipelineService wires the orchestrator.
func NewPipelineService(
	gen *GenerationService,
	similarity *SimilarityService,
	coverage *CoverageService,
	aggregator *Aggregator,
) *PipelineService {
	return &PipelineService{
		gen:        gen,
		similarity: similarity,
		coverage:   coverage,
		aggregator: aggregator,
		logger:     slog.With("component", "pipeline"),
		tracer:     otel.Tracer("rubric/pipeline"),
	}
}

// cohortCell is one unit of generation work.
type cohortCell struct {
	prompt      *models.Prompt
	model       models.ModelRef
	temperature float64
	sysIdx      int
	system      *string
	effectiveID string
}

// Execute runs the blueprint and returns the persisted artifact.
// Blueprint and point-definition problems abort before any model is
// called; past that, only total embedding failure or a persistence
// failure aborts.
func (s *PipelineService) Execute(ctx context.Context, bp *models.Blueprint, opts RunOptions) (*models.RunArtifact, error) {
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	normalized := make(map[string][]models.NormalizedPoint, len(bp.Prompts))
	for i := range bp.Prompts {
		p := &bp.Prompts[i]
		pts, err := models.NormalizePoints(p)
		if err != nil {
			return nil, err
		}
		normalized[p.ID] = pts
	}

	runLabel := models.ComputeRunLabel(bp)
	logger := s.logger.With("configId", bp.ID, "runLabel", runLabel)

	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("config.id", bp.ID),
		attribute.String("run.label", runLabel),
	))
	defer span.End()

	cells := expandCells(bp)
	effectiveModels, modelSystems := cohortModels(bp, cells)
	logger.Info("cohort expanded",
		"prompts", len(bp.Prompts),
		"effectiveModels", len(effectiveModels),
		"cells", len(cells),
		"concurrency", bp.EffectiveConcurrency(),
	)

	responses := make(models.ResponseMap)
	for i := range bp.Prompts {
		p := &bp.Prompts[i]
		if p.Ideal != "" {
			responses.Put(p.ID, models.IdealModelID, &models.ModelResponseDetail{
				FinalAssistantResponseText: p.Ideal,
			})
		}
	}
	reused := 0
	for promptID, perModel := range opts.PrefillResponses {
		for modelID, d := range perModel {
			responses.Put(promptID, modelID, d)
			reused++
		}
	}
	if reused > 0 {
		logger.Info("cells prefilled", "count", reused)
	}

	if err := s.generateAll(ctx, bp, cells, responses, opts, runLabel); err != nil {
		return nil, err
	}

	var evalMethods []models.EvalMethod
	var embeddings *EmbeddingEvaluation
	if !opts.SkipEmbeddings {
		embedCtx, embedSpan := s.tracer.Start(ctx, "pipeline.embed")
		ev, err := s.similarity.Evaluate(embedCtx, bp, responses)
		embedSpan.End()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		embeddings = ev
		evalMethods = append(evalMethods, models.EvalMethodEmbedding)
	}

	var coverage models.CoverageMap
	if !opts.SkipCoverage && hasPoints(normalized) {
		coverCtx, coverSpan := s.tracer.Start(ctx, "pipeline.cover")
		cov, err := s.coverage.Evaluate(coverCtx, bp, normalized, responses, opts.PrefillCoverage)
		coverSpan.End()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		coverage = cov
		evalMethods = append(evalMethods, models.EvalMethodLLMCoverage)
	}

	artifact, err := s.aggregator.Build(RunInputs{
		Blueprint:       bp,
		RunLabel:        runLabel,
		EffectiveModels: effectiveModels,
		ModelSystems:    modelSystems,
		Responses:       responses,
		Embeddings:      embeddings,
		Coverage:        coverage,
		EvalMethods:     evalMethods,
	})
	if err != nil {
		return nil, err
	}

	persistCtx, persistSpan := s.tracer.Start(ctx, "pipeline.persist")
	err = s.aggregator.Persist(persistCtx, artifact)
	persistSpan.End()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return artifact, nil
}

// generateAll answers every unfilled cell through the bounded pool.
func (s *PipelineService) generateAll(
	ctx context.Context,
	bp *models.Blueprint,
	cells []cohortCell,
	responses models.ResponseMap,
	opts RunOptions,
	runLabel string,
) error {
	ctx, span := s.tracer.Start(ctx, "pipeline.generate",
		trace.WithAttributes(attribute.Int("cells", len(cells))))
	defer span.End()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(bp.EffectiveConcurrency())
	for _, c := range cells {
		if responses.Get(c.prompt.ID, c.effectiveID) != nil {
			continue
		}
		g.Go(func() error {
			detail := s.answerCell(ctx, bp, c, opts, runLabel)
			mu.Lock()
			responses.Put(c.prompt.ID, c.effectiveID, detail)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// answerCell resolves one cell from the fixture deck or the generation
// service.
func (s *PipelineService) answerCell(ctx context.Context, bp *models.Blueprint, c cohortCell, opts RunOptions, runLabel string) *models.ModelResponseDetail {
	if opts.Fixtures != nil {
		if entry, ok := opts.Fixtures.Lookup(c.prompt.ID, c.model.ID, c.effectiveID, runLabel); ok {
			return entry.Detail(c.system)
		}
		if opts.FixturesStrict {
			err := fmt.Errorf("%w for prompt %q model %q", ErrFixtureMissing, c.prompt.ID, c.effectiveID)
			s.logger.Warn("strict fixture miss", "promptId", c.prompt.ID, "effectiveModel", c.effectiveID)
			msg := err.Error()
			return &models.ModelResponseDetail{
				FinalAssistantResponseText: models.ErrorSentinel(msg),
				HasError:                   true,
				ErrorMessage:               msg,
				SystemPromptUsed:           c.system,
			}
		}
	}

	temperature := c.temperature
	if len(bp.Temperatures) == 0 && c.prompt.Temperature != nil {
		temperature = *c.prompt.Temperature
	}
	return s.gen.Generate(ctx, GenerationRequest{
		PromptID:         c.prompt.ID,
		BaseModelID:      c.model.ID,
		EffectiveModelID: c.effectiveID,
		Messages:         c.prompt.EffectiveMessages(),
		SystemPrompt:     c.system,
		Temperature:      &temperature,
	})
}

// expandCells builds the cohort: prompts crossed with models crossed
// with the temperature and system axes.
func expandCells(bp *models.Blueprint) []cohortCell {
	temps := bp.TemperaturesToRun()
	systems := bp.SystemsToRun()
	cells := make([]cohortCell, 0, len(bp.Prompts)*len(bp.Models)*len(temps)*len(systems))
	for i := range bp.Prompts {
		p := &bp.Prompts[i]
		for _, m := range bp.Models {
			for _, temp := range temps {
				for sysIdx := range systems {
					t := temp
					cells = append(cells, cohortCell{
						prompt:      p,
						model:       m,
						temperature: t,
						sysIdx:      sysIdx,
						system:      bp.ResolveSystemPrompt(sysIdx, p),
						effectiveID: models.MakeEffectiveModelID(m.ID, &t, sysIdx, len(systems)),
					})
				}
			}
		}
	}
	return cells
}

// cohortModels lists the distinct effective model ids of a run, the
// ideal pseudo-column included when any prompt carries a reference
// answer, plus each id's blueprint-level system prompt.
func cohortModels(bp *models.Blueprint, cells []cohortCell) ([]string, map[string]*string) {
	systems := make(map[string]*string)
	ids := make([]string, 0)
	for _, c := range cells {
		if _, seen := systems[c.effectiveID]; seen {
			continue
		}
		systems[c.effectiveID] = bp.ResolveSystemPrompt(c.sysIdx, nil)
		ids = append(ids, c.effectiveID)
	}
	if bp.HasIdealResponses() {
		ids = append(ids, models.IdealModelID)
	}
	sort.Strings(ids)
	return ids, systems
}

func hasPoints(normalized map[string][]models.NormalizedPoint) bool {
	for _, pts := range normalized {
		if len(pts) > 0 {
			return true
		}
	}
	return false
}
