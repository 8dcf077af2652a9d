//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/longregen/rubric/internal/adapters/circuitbreaker"
	"github.com/longregen/rubric/internal/application/services"
	"github.com/longregen/rubric/internal/domain/models"
)

func TestFailureFlow_ProviderErrorsBecomeCellErrors(t *testing.T) {
	provider := newFakeProvider(t)
	provider.answer("alpha", func(c chatCall) string {
		if strings.Contains(c.lastUser(), "France") {
			return "Paris is the capital of France."
		}
		return "Bonjour!"
	})
	provider.answer("grader", func(chatCall) string { return verdict(1, "ok") })
	provider.failWith("broken", http.StatusBadRequest)
	provider.vectors(func(text string) []float32 {
		if strings.Contains(text, "Paris") {
			return []float32{1, 0}
		}
		return []float32{0, 1}
	})

	s := newStack(t, provider)
	ctx := context.Background()

	bp := &models.Blueprint{
		ID: "failure-flow",
		Models: []models.ModelRef{
			{ID: "openai:alpha"},
			{ID: "openai:broken"},
		},
		Prompts: []models.Prompt{
			{
				ID:         "r1",
				PromptText: "What is the capital of France?",
				Ideal:      "Paris is the capital of France.",
				Points:     []models.PointDefinition{{Fn: "contains", FnArgs: "Paris"}},
			},
			{
				ID:         "r2",
				PromptText: "Say hello in French.",
			},
		},
		EmbeddingModel: embeddingModel,
		Evaluation:     &models.EvaluationConfig{JudgeModels: []string{judgeModel}},
	}

	artifact, err := s.pipeline.Execute(ctx, bp, services.RunOptions{})
	if err != nil {
		t.Fatalf("cell failures must not abort the run: %v", err)
	}

	alphaID := "openai:alpha[temp:0.0]"
	brokenID := "openai:broken[temp:0.0]"

	for _, promptID := range []string{"r1", "r2"} {
		msg, ok := artifact.Errors[promptID][brokenID]
		if !ok {
			t.Fatalf("no error recorded for %s/%s", promptID, brokenID)
		}
		if !strings.Contains(msg, "status 400") {
			t.Errorf("error for %s = %q, want the provider status", promptID, msg)
		}
		if text := artifact.AllFinalAssistantResponses[promptID][brokenID]; !strings.HasPrefix(text, "<error>") {
			t.Errorf("errored cell text = %q, want the sentinel", text)
		}
		if _, ok := artifact.Errors[promptID][alphaID]; ok {
			t.Errorf("healthy cell %s/%s recorded an error", promptID, alphaID)
		}
	}

	if got := artifact.AllFinalAssistantResponses["r1"][alphaID]; got != "Paris is the capital of France." {
		t.Errorf("healthy response = %q", got)
	}

	// A 400 is not retryable, so each broken cell costs exactly one
	// provider request.
	if got := provider.chatCallsFor("broken"); got != 2 {
		t.Errorf("broken model calls = %d, want 2", got)
	}

	// Errored cells drop out of similarity and get an errored coverage
	// record instead of verdicts.
	if _, ok := artifact.EvaluationResults.SimilarityMatrix[brokenID]; ok {
		t.Error("errored cells must not enter the similarity matrix")
	}
	sim := artifact.EvaluationResults.SimilarityMatrix[alphaID][models.IdealModelID]
	if sim == nil || *sim != 1.0 {
		t.Errorf("healthy similarity = %v, want 1.0", sim)
	}

	brokenCov := artifact.EvaluationResults.LLMCoverageScores.Get("r1", brokenID)
	if brokenCov == nil {
		t.Fatal("no coverage record for the errored cell")
	}
	if !strings.Contains(brokenCov.Error, "response generation failed") {
		t.Errorf("errored coverage = %q", brokenCov.Error)
	}
	healthyCov := artifact.EvaluationResults.LLMCoverageScores.Get("r1", alphaID)
	if healthyCov == nil || healthyCov.AvgCoverageExtent == nil || *healthyCov.AvgCoverageExtent != 1.0 {
		t.Errorf("healthy coverage = %+v", healthyCov)
	}

	wantMethods := []models.EvalMethod{models.EvalMethodEmbedding, models.EvalMethodLLMCoverage}
	if len(artifact.EvalMethods) != 2 || artifact.EvalMethods[0] != wantMethods[0] || artifact.EvalMethods[1] != wantMethods[1] {
		t.Errorf("eval methods = %v", artifact.EvalMethods)
	}
}

func TestFailureFlow_BreakerShedsPersistentlyFailingModel(t *testing.T) {
	provider := newFakeProvider(t)
	provider.failWith("flaky", http.StatusBadRequest)
	s := newStack(t, provider)
	ctx := context.Background()

	prompts := make([]models.Prompt, 0, 12)
	for i := 1; i <= 12; i++ {
		prompts = append(prompts, models.Prompt{
			ID:         fmt.Sprintf("p%02d", i),
			PromptText: fmt.Sprintf("question %d", i),
		})
	}
	bp := &models.Blueprint{
		ID:          "breaker-flow",
		Models:      []models.ModelRef{{ID: "openai:flaky"}},
		Prompts:     prompts,
		Concurrency: 1,
	}

	artifact, err := s.pipeline.Execute(ctx, bp, services.RunOptions{
		SkipEmbeddings: true,
		SkipCoverage:   true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Sequential cells stop reaching the provider once the breaker
	// opens; the remaining cells are shed locally.
	if got := provider.chatCallsFor("flaky"); got != circuitbreaker.DefaultMaxFailures {
		t.Errorf("provider calls = %d, want %d", got, circuitbreaker.DefaultMaxFailures)
	}

	flakyID := "openai:flaky[temp:0.0]"
	if len(artifact.EffectiveModels) != 1 || artifact.EffectiveModels[0] != flakyID {
		t.Errorf("effective models = %v, want the shed model still listed", artifact.EffectiveModels)
	}

	failed, shed := 0, 0
	for _, perModel := range artifact.Errors {
		msg := perModel[flakyID]
		switch {
		case strings.Contains(msg, "status 400"):
			failed++
		case strings.Contains(msg, "Circuit breaker for model 'openai:flaky' is open"):
			shed++
		default:
			t.Errorf("unexpected cell error %q", msg)
		}
	}
	if failed != circuitbreaker.DefaultMaxFailures {
		t.Errorf("failed cells = %d, want %d", failed, circuitbreaker.DefaultMaxFailures)
	}
	if shed != len(prompts)-circuitbreaker.DefaultMaxFailures {
		t.Errorf("shed cells = %d, want %d", shed, len(prompts)-circuitbreaker.DefaultMaxFailures)
	}
}
