package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/longregen/rubric/internal/adapters/cache"
	"github.com/longregen/rubric/internal/adapters/metrics"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// DefaultJudgeTimeout bounds one judge call.
const DefaultJudgeTimeout = 30 * time.Second

const judgeSystemPrompt = `You are an impartial grader. Given a criterion and a candidate response, decide to what extent the response covers the criterion. Judge only what the criterion asks, not style or length. Reply with a single JSON object of the form {"coverage_extent": <number between 0.0 and 1.0>, "reflection": "<one or two sentences explaining the score>"} and nothing else.`

// JudgeService grades literal criteria with judge models, either
// failing over to the first usable verdict or averaging a consensus.
type JudgeService struct {
	client  ports.LLMClient
	store   ports.CacheStore
	models  []string
	mode    models.JudgeMode
	timeout time.Duration
	logger  *slog.Logger
}

// JudgeOption configures optional service behavior.
type JudgeOption func(*JudgeService)

// WithJudgeCache memoizes verdicts keyed by judge model, criterion and
// response.
func WithJudgeCache(store ports.CacheStore) JudgeOption {
	return func(s *JudgeService) { s.store = store }
}

// WithJudgeTimeout overrides the per-call timeout.
func WithJudgeTimeout(d time.Duration) JudgeOption {
	return func(s *JudgeService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewJudgeService wires the verdict engine with its default judge
// models and combination mode; blueprints may override both per run.
func NewJudgeService(client ports.LLMClient, judgeModels []string, mode models.JudgeMode, opts ...JudgeOption) *JudgeService {
	if mode == "" {
		mode = models.JudgeModeFailover
	}
	s := &JudgeService{
		client:  client,
		models:  judgeModels,
		mode:    mode,
		timeout: DefaultJudgeTimeout,
		logger:  slog.With("component", "judge"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ResolveForRun applies a blueprint's evaluation config over the
// service defaults.
func (s *JudgeService) ResolveForRun(ec *models.EvaluationConfig) ([]string, models.JudgeMode) {
	judges, mode := s.models, s.mode
	if ec != nil {
		if len(ec.JudgeModels) > 0 {
			judges = ec.JudgeModels
		}
		if ec.JudgeMode != "" {
			mode = ec.JudgeMode
		}
	}
	return judges, mode
}

// judgeRequest is one criterion to grade against one response.
type judgeRequest struct {
	Criterion  string
	Response   string
	PromptText string
	Models     []string
	Mode       models.JudgeMode
}

// JudgeVerdict is the combined outcome of one judged criterion.
type JudgeVerdict struct {
	CoverageExtent float64
	Reflection     string
	JudgeModelID   string
	Individual     []models.IndividualJudgement
}

// Judge grades one criterion using the request's judge roster.
func (s *JudgeService) Judge(ctx context.Context, req judgeRequest) (*JudgeVerdict, error) {
	if len(req.Models) == 0 {
		return nil, &models.PipelineError{
			Kind:    models.ErrorKindConfig,
			Message: "no judge models configured",
		}
	}
	if req.Mode == models.JudgeModeConsensus {
		return s.consensus(ctx, req)
	}
	return s.failover(ctx, req)
}

func (s *JudgeService) failover(ctx context.Context, req judgeRequest) (*JudgeVerdict, error) {
	var failures []string
	for _, judge := range req.Models {
		extent, reflection, err := s.callJudge(ctx, judge, req)
		if err != nil {
			s.logger.Warn("judge verdict failed", "model", judge, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", judge, err))
			continue
		}
		return &JudgeVerdict{
			CoverageExtent: extent,
			Reflection:     reflection,
			JudgeModelID:   judge,
		}, nil
	}
	return nil, &models.PipelineError{
		Kind:    models.ErrorKindJudge,
		Message: "all judges failed: " + strings.Join(failures, "; "),
	}
}

func (s *JudgeService) consensus(ctx context.Context, req judgeRequest) (*JudgeVerdict, error) {
	verdicts := make([]*models.IndividualJudgement, len(req.Models))
	var g errgroup.Group
	for i, judge := range req.Models {
		g.Go(func() error {
			extent, reflection, err := s.callJudge(ctx, judge, req)
			if err != nil {
				s.logger.Warn("judge verdict failed", "model", judge, "error", err)
				return nil
			}
			verdicts[i] = &models.IndividualJudgement{
				JudgeModelID:   judge,
				CoverageExtent: extent,
				Reflection:     reflection,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var sum float64
	individual := make([]models.IndividualJudgement, 0, len(verdicts))
	for _, v := range verdicts {
		if v == nil {
			continue
		}
		individual = append(individual, *v)
		sum += v.CoverageExtent
	}
	if len(individual) == 0 {
		return nil, &models.PipelineError{
			Kind:    models.ErrorKindJudge,
			Message: "all judges failed",
		}
	}
	return &JudgeVerdict{
		CoverageExtent: sum / float64(len(individual)),
		Individual:     individual,
	}, nil
}

// verdictRecord is the cached form of one judge verdict.
type verdictRecord struct {
	Extent     float64 `msgpack:"extent"`
	Reflection string  `msgpack:"reflection,omitempty"`
}

// judgeCacheKey is the cache identity of one verdict.
type judgeCacheKey struct {
	Model     string `json:"model"`
	Criterion string `json:"criterion"`
	Response  string `json:"response"`
	Prompt    string `json:"prompt,omitempty"`
}

func (s *JudgeService) callJudge(ctx context.Context, judge string, req judgeRequest) (float64, string, error) {
	key := ""
	if s.store != nil {
		k, err := cache.Key(judgeCacheKey{
			Model:     judge,
			Criterion: req.Criterion,
			Response:  req.Response,
			Prompt:    req.PromptText,
		})
		if err == nil {
			key = k
			var rec verdictRecord
			hit, getErr := cache.GetInto(ctx, s.store, cache.NamespaceJudge, key, &rec)
			if getErr != nil {
				s.logger.Warn("judge cache read failed", "error", getErr)
			}
			if hit {
				metrics.CacheOpsTotal.WithLabelValues(cache.NamespaceJudge, "hit").Inc()
				return rec.Extent, rec.Reflection, nil
			}
			metrics.CacheOpsTotal.WithLabelValues(cache.NamespaceJudge, "miss").Inc()
		}
	}

	system := judgeSystemPrompt
	temp := 0.0
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.client.MakeAPICall(callCtx, ports.LLMCallOptions{
		ModelID:      judge,
		Messages:     []models.ConversationMessage{{Role: models.ChatRoleUser, Content: judgeUserMessage(req)}},
		SystemPrompt: &system,
		Temperature:  &temp,
		MaxTokens:    512,
		TimeoutMs:    int(s.timeout.Milliseconds()),
	})
	metrics.JudgeDuration.WithLabelValues(judge).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.JudgeCallsTotal.WithLabelValues(judge, "error").Inc()
		return 0, "", &models.PipelineError{
			Kind:    models.ErrorKindJudge,
			Message: fmt.Sprintf("judge %s call failed", judge),
			Cause:   err,
		}
	}

	extent, reflection, err := parseVerdict(result.ResponseText)
	if err != nil {
		metrics.JudgeCallsTotal.WithLabelValues(judge, "error").Inc()
		return 0, "", err
	}
	metrics.JudgeCallsTotal.WithLabelValues(judge, "ok").Inc()

	if key != "" {
		if err := cache.Put(ctx, s.store, cache.NamespaceJudge, key, verdictRecord{Extent: extent, Reflection: reflection}); err != nil {
			s.logger.Warn("judge cache write failed", "error", err)
		}
	}
	return extent, reflection, nil
}

func judgeUserMessage(req judgeRequest) string {
	var b strings.Builder
	if req.PromptText != "" {
		fmt.Fprintf(&b, "<prompt>\n%s\n</prompt>\n\n", req.PromptText)
	}
	fmt.Fprintf(&b, "<criterion>\n%s\n</criterion>\n\n<response>\n%s\n</response>", req.Criterion, req.Response)
	return b.String()
}

// judgeReply is the JSON object the grading contract asks judges for.
type judgeReply struct {
	CoverageExtent *float64 `json:"coverage_extent"`
	Reflection     string   `json:"reflection"`
}

// parseVerdict extracts the verdict object from a judge reply,
// tolerating prose around the JSON.
func parseVerdict(text string) (float64, string, error) {
	open := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if open < 0 || end <= open {
		return 0, "", &models.PipelineError{
			Kind:    models.ErrorKindJudge,
			Message: "judge reply carries no JSON object",
		}
	}
	var reply judgeReply
	if err := json.Unmarshal([]byte(text[open:end+1]), &reply); err != nil {
		return 0, "", &models.PipelineError{
			Kind:    models.ErrorKindJudge,
			Message: "judge reply is not valid JSON",
			Cause:   err,
		}
	}
	if reply.CoverageExtent == nil {
		return 0, "", &models.PipelineError{
			Kind:    models.ErrorKindJudge,
			Message: "judge reply has no coverage_extent",
		}
	}
	extent := *reply.CoverageExtent
	if extent < 0 {
		extent = 0
	}
	if extent > 1 {
		extent = 1
	}
	return extent, reply.Reflection, nil
}
