package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/longregen/rubric/internal/adapters/circuitbreaker"
	"github.com/longregen/rubric/internal/adapters/ratelimit"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/points"
	"github.com/longregen/rubric/internal/ports"
)

// Shared test doubles for the pipeline services.

// scriptedClient routes MakeAPICall to a configurable function and
// counts invocations.
type scriptedClient struct {
	mu    sync.Mutex
	calls int
	reply func(opts ports.LLMCallOptions) (*ports.LLMCallResult, error)
}

func (c *scriptedClient) MakeAPICall(ctx context.Context, opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.reply(opts)
}

func (c *scriptedClient) StreamAPICall(ctx context.Context, opts ports.LLMCallOptions) (<-chan ports.LLMStreamEvent, error) {
	ch := make(chan ports.LLMStreamEvent)
	close(ch)
	return ch, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// echoClient answers every request with a fixed text.
func echoClient(text string) *scriptedClient {
	return &scriptedClient{reply: func(ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		return &ports.LLMCallResult{ResponseText: text}, nil
	}}
}

// staticResolver buckets model ids by their provider prefix.
type staticResolver struct{}

func (staticResolver) ProviderKey(modelID string) string {
	if provider, _, ok := strings.Cut(modelID, ":"); ok && provider != "" {
		return provider
	}
	return modelID
}

func testLimiters(t *testing.T) *ratelimit.Registry {
	t.Helper()
	reg, err := ratelimit.NewRegistry(nil, ratelimit.DefaultProfile())
	if err != nil {
		t.Fatalf("limiter registry: %v", err)
	}
	return reg
}

// serialLimiters admits one call at a time for every provider.
func serialLimiters(t *testing.T) *ratelimit.Registry {
	t.Helper()
	reg, err := ratelimit.NewRegistry(nil, ratelimit.Profile{
		Initial: 1, Min: 1, Max: 1, AdaptiveEnabled: true,
	})
	if err != nil {
		t.Fatalf("limiter registry: %v", err)
	}
	return reg
}

// scriptedEmbedder routes Embed to a configurable function.
type scriptedEmbedder struct {
	mu    sync.Mutex
	calls int
	embed func(model string, texts []string) ([][]float32, error)
}

func (e *scriptedEmbedder) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.embed(model, texts)
}

func (e *scriptedEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// memResultStore keeps artifacts in memory, keyed like the filesystem
// store.
type memResultStore struct {
	mu    sync.Mutex
	saves int
	runs  map[string]map[string]*models.RunArtifact
}

func newMemResultStore() *memResultStore {
	return &memResultStore{runs: make(map[string]map[string]*models.RunArtifact)}
}

func (s *memResultStore) SaveResult(ctx context.Context, configID string, artifact *models.RunArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.runs[configID] == nil {
		s.runs[configID] = make(map[string]*models.RunArtifact)
	}
	s.runs[configID][artifact.FileName()] = artifact
	return nil
}

func (s *memResultStore) GetResultByFileName(ctx context.Context, configID, fileName string) (*models.RunArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.runs[configID][fileName]; ok {
		return a, nil
	}
	return nil, &models.PipelineError{
		Kind:    models.ErrorKindStorage,
		Message: fmt.Sprintf("no artifact %s/%s", configID, fileName),
	}
}

func (s *memResultStore) GetCoverageResult(ctx context.Context, configID, runLabel, timestamp, promptID, modelID string) (*models.CoverageResult, error) {
	a, err := s.GetResultByFileName(ctx, configID, models.ArtifactFileName(runLabel, timestamp))
	if err != nil {
		return nil, err
	}
	if r := a.EvaluationResults.LLMCoverageScores.Get(promptID, modelID); r != nil {
		return r, nil
	}
	return nil, &models.PipelineError{Kind: models.ErrorKindStorage, Message: "no coverage for cell"}
}

func (s *memResultStore) GetResponseDetail(ctx context.Context, configID, runLabel, timestamp, promptID, modelID string) (*models.ModelResponseDetail, error) {
	a, err := s.GetResultByFileName(ctx, configID, models.ArtifactFileName(runLabel, timestamp))
	if err != nil {
		return nil, err
	}
	text, ok := a.AllFinalAssistantResponses[promptID][modelID]
	if !ok {
		return nil, &models.PipelineError{Kind: models.ErrorKindStorage, Message: "no such cell"}
	}
	return &models.ModelResponseDetail{FinalAssistantResponseText: text}, nil
}

func (s *memResultStore) ListConfigIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	return out, nil
}

func (s *memResultStore) ListRunsForConfig(ctx context.Context, configID string) ([]ports.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.RunSummary
	for name, a := range s.runs[configID] {
		out = append(out, ports.RunSummary{
			RunLabel:  a.RunLabel,
			Timestamp: a.Timestamp,
			FileName:  name,
			SavedAt:   time.Now(),
		})
	}
	return out, nil
}

var _ ports.ResultStore = (*memResultStore)(nil)

func strptr(s string) *string { return &s }

func f64ptr(v float64) *float64 { return &v }

// judgeReply builds the JSON object the grading contract expects.
func judgeReplyJSON(extent float64, reflection string) string {
	return fmt.Sprintf(`{"coverage_extent": %g, "reflection": %q}`, extent, reflection)
}

// testClock is a settable time source for deterministic artifact
// timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testPipeline bundles a full pipeline over scripted doubles. The
// services hold the double pointers, so tests swap reply functions in
// place before executing.
type testPipeline struct {
	gen      *scriptedClient
	judge    *scriptedClient
	embedder *scriptedEmbedder
	store    *memResultStore
	clock    *testClock
	svc      *PipelineService
	cloner   *CloneService
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	p := &testPipeline{
		gen: echoClient("generated answer"),
		judge: &scriptedClient{reply: func(ports.LLMCallOptions) (*ports.LLMCallResult, error) {
			return &ports.LLMCallResult{ResponseText: judgeReplyJSON(1, "covered")}, nil
		}},
		embedder: &scriptedEmbedder{embed: func(model string, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = []float32{1, 0}
			}
			return out, nil
		}},
		store: newMemResultStore(),
		clock: newTestClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
	genSvc := NewGenerationService(p.gen, staticResolver{}, testLimiters(t),
		circuitbreaker.NewRegistry(circuitbreaker.DefaultMaxFailures))
	judgeSvc := NewJudgeService(p.judge, []string{"judge:default"}, models.JudgeModeFailover)
	coverageSvc := NewCoverageService(points.NewRegistry(), judgeSvc)
	similaritySvc := NewSimilarityService(p.embedder, "embed:small")
	aggregator := NewAggregator(p.store, WithClock(p.clock.Now))
	p.svc = NewPipelineService(genSvc, similaritySvc, coverageSvc, aggregator)
	p.cloner = NewCloneService(p.store, p.svc)
	return p
}
