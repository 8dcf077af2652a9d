package services

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/points"
)

// DefaultGradingPool bounds concurrent point gradings across all cells.
const DefaultGradingPool = 8

// CoverageService grades every cell of the response map against its
// prompt's normalized points, dispatching function points to the
// grader registry and literal criteria to the judge roster.
type CoverageService struct {
	registry *points.Registry
	judge    *JudgeService
	logger   *slog.Logger
	poolSize int
}

// CoverageOption configures optional service behavior.
type CoverageOption func(*CoverageService)

// WithGradingPool overrides the point-grading parallelism.
func WithGradingPool(n int) CoverageOption {
	return func(s *CoverageService) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// NewCoverageService wires the coverage evaluator.
func NewCoverageService(registry *points.Registry, judge *JudgeService, opts ...CoverageOption) *CoverageService {
	s := &CoverageService{
		registry: registry,
		judge:    judge,
		logger:   slog.With("component", "coverage"),
		poolSize: DefaultGradingPool,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// gradedCell accumulates one cell's assessments, one slot per point so
// concurrent graders never contend.
type gradedCell struct {
	promptID    string
	modelID     string
	pts         []models.NormalizedPoint
	assessments []models.PointAssessment
}

// Evaluate grades every generated cell. Points arrive pre-normalized
// per prompt; prompts without points are skipped, as are ideal
// pseudo-cells. Prefilled cells are copied through untouched so clones
// only pay for new work. Point-level failures land in the assessment,
// cell-level generation failures in the result error; neither aborts.
func (s *CoverageService) Evaluate(
	ctx context.Context,
	bp *models.Blueprint,
	normalized map[string][]models.NormalizedPoint,
	responses models.ResponseMap,
	prefill models.CoverageMap,
) (models.CoverageMap, error) {
	judges, mode := s.judge.ResolveForRun(bp.Evaluation)

	out := make(models.CoverageMap)
	var outMu sync.Mutex
	var cells []*gradedCell

	var g errgroup.Group
	g.SetLimit(s.poolSize)

	for i := range bp.Prompts {
		p := &bp.Prompts[i]
		pts := normalized[p.ID]
		if len(pts) == 0 {
			continue
		}
		for modelID, detail := range responses[p.ID] {
			if modelID == models.IdealModelID {
				continue
			}
			if pre := prefill.Get(p.ID, modelID); pre != nil {
				outMu.Lock()
				out.Put(p.ID, modelID, pre)
				outMu.Unlock()
				continue
			}
			if detail == nil || detail.HasError {
				msg := "response generation failed"
				if detail != nil && detail.ErrorMessage != "" {
					msg += ": " + detail.ErrorMessage
				}
				outMu.Lock()
				out.Put(p.ID, modelID, &models.CoverageResult{Error: msg})
				outMu.Unlock()
				continue
			}

			gc := &gradedCell{
				promptID:    p.ID,
				modelID:     modelID,
				pts:         pts,
				assessments: make([]models.PointAssessment, len(pts)),
			}
			cells = append(cells, gc)
			for j := range pts {
				g.Go(func() error {
					gc.assessments[j] = s.gradePoint(ctx, bp, p, pts[j], gc.modelID, detail, judges, mode)
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, gc := range cells {
		out.Put(gc.promptID, gc.modelID, aggregateCell(gc.pts, gc.assessments))
	}
	return out, nil
}

func (s *CoverageService) gradePoint(
	ctx context.Context,
	bp *models.Blueprint,
	p *models.Prompt,
	np models.NormalizedPoint,
	modelID string,
	detail *models.ModelResponseDetail,
	judges []string,
	mode models.JudgeMode,
) models.PointAssessment {
	a := models.PointAssessment{
		KeyPointText: np.DisplayText,
		Multiplier:   np.Multiplier,
		Citation:     np.Citation,
		IsInverted:   np.IsInverted,
		PathID:       np.PathID,
	}
	response := detail.FinalAssistantResponseText

	if np.IsFunction {
		gctx := &points.Context{
			Blueprint: bp,
			Prompt:    p,
			ModelID:   modelID,
			Response:  detail,
		}
		score, err := s.registry.Grade(ctx, np.FunctionName, response, np.FunctionArgs, gctx)
		if err != nil {
			s.logger.Warn("function point failed",
				"promptId", p.ID, "model", modelID, "fn", np.FunctionName, "error", err)
			a.Error = err.Error()
			return a
		}
		extent := score.Value
		if np.IsInverted {
			extent = 1 - extent
		}
		a.CoverageExtent = &extent
		a.Reflection = score.Explain
		return a
	}

	verdict, err := s.judge.Judge(ctx, judgeRequest{
		Criterion:  np.TextToEvaluate,
		Response:   response,
		PromptText: promptContextText(p),
		Models:     judges,
		Mode:       mode,
	})
	if err != nil {
		s.logger.Warn("criterion judgement failed",
			"promptId", p.ID, "model", modelID, "error", err)
		a.Error = err.Error()
		return a
	}
	extent := verdict.CoverageExtent
	if np.IsInverted {
		extent = 1 - extent
	}
	a.CoverageExtent = &extent
	a.Reflection = verdict.Reflection
	a.JudgeModelID = verdict.JudgeModelID
	a.IndividualJudgements = verdict.Individual
	return a
}

// promptContextText renders the prompt for the judge: the bare text or
// the user turns of a conversation.
func promptContextText(p *models.Prompt) string {
	if p.PromptText != "" {
		return p.PromptText
	}
	var parts []string
	for _, m := range p.Messages {
		if m.Role == models.ChatRoleUser {
			parts = append(parts, m.Content)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, s := range parts[1:] {
		out += "\n\n" + s
	}
	return out
}

// aggregateCell folds pointwise assessments into the cell score.
// Standalone points contribute multiplier-weighted; every alternative
// path is reduced to its weighted average and each group contributes
// only its best path. Errored points are excluded; with nothing left
// the average is null.
func aggregateCell(pts []models.NormalizedPoint, assessments []models.PointAssessment) *models.CoverageResult {
	res := &models.CoverageResult{
		KeyPointsCount:   len(assessments),
		PointAssessments: assessments,
	}

	type pathKey struct{ group, path int }
	var weightSum, weightedSum float64
	pathWeight := make(map[pathKey]float64)
	pathWeighted := make(map[pathKey]float64)
	var pathOrder []pathKey

	for i := range pts {
		a := &assessments[i]
		if a.Errored() {
			continue
		}
		if !pts[i].InAltGroup() {
			weightSum += a.Multiplier
			weightedSum += a.Multiplier * *a.CoverageExtent
			continue
		}
		k := pathKey{pts[i].GroupIndex, pts[i].PathIndex}
		if _, seen := pathWeight[k]; !seen {
			pathOrder = append(pathOrder, k)
		}
		pathWeight[k] += a.Multiplier
		pathWeighted[k] += a.Multiplier * *a.CoverageExtent
	}

	type best struct {
		score  float64
		weight float64
		ok     bool
	}
	groupBest := make(map[int]best)
	var groupOrder []int
	for _, k := range pathOrder {
		w := pathWeight[k]
		if w == 0 {
			continue
		}
		avg := pathWeighted[k] / w
		b, seen := groupBest[k.group]
		if !seen {
			groupOrder = append(groupOrder, k.group)
		}
		if !b.ok || avg > b.score {
			groupBest[k.group] = best{score: avg, weight: w, ok: true}
		}
	}
	for _, group := range groupOrder {
		b := groupBest[group]
		weightSum += b.weight
		weightedSum += b.score * b.weight
	}

	if weightSum > 0 {
		avg := weightedSum / weightSum
		res.AvgCoverageExtent = &avg
	}
	return res
}
