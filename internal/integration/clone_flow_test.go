//go:build integration

package integration

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/longregen/rubric/internal/application/services"
	"github.com/longregen/rubric/internal/domain/models"
)

// geographyBlueprint builds the clone tests' source blueprint. The
// question argument swaps q1's text so callers can model an edit.
func geographyBlueprint(q1Text string) *models.Blueprint {
	return &models.Blueprint{
		ID:     "geography-flow",
		Models: []models.ModelRef{{ID: "openai:alpha"}},
		Prompts: []models.Prompt{
			{
				ID:         "q1",
				PromptText: q1Text,
				Ideal:      "Paris is the capital of France.",
				Points:     []models.PointDefinition{{Text: "names the right capital"}},
			},
			{
				ID:         "q2",
				PromptText: "Name one planet.",
			},
		},
		EmbeddingModel: embeddingModel,
		Evaluation:     &models.EvaluationConfig{JudgeModels: []string{judgeModel}},
	}
}

func scriptGeography(provider *fakeProvider) {
	provider.answer("alpha", func(c chatCall) string {
		q := c.lastUser()
		switch {
		case strings.Contains(q, "France"):
			return "Paris is the capital of France."
		case strings.Contains(q, "Spain"):
			return "Madrid is the capital of Spain."
		case strings.Contains(q, "planet"):
			return "Mars."
		case strings.Contains(q, "ocean"):
			return "The Pacific Ocean."
		default:
			return "I do not know."
		}
	})
	provider.answer("grader", func(chatCall) string {
		return verdict(1, "correct")
	})
}

func TestCloneFlow_ReusesUnchangedPrompts(t *testing.T) {
	provider := newFakeProvider(t)
	scriptGeography(provider)
	s := newStack(t, provider)
	ctx := context.Background()

	source, err := s.pipeline.Execute(ctx, geographyBlueprint("What is the capital of France?"), services.RunOptions{})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	alphaBefore := provider.chatCallsFor("alpha")
	graderBefore := provider.chatCallsFor("grader")

	s.clock.Advance(time.Hour)
	target := geographyBlueprint("What is the capital of Spain?")
	target.Prompts = append(target.Prompts, models.Prompt{
		ID:         "q3",
		PromptText: "Name one ocean.",
	})

	clone, err := s.cloner.Clone(ctx, services.CloneRequest{
		SourceConfigID:  "geography-flow",
		SourceRunLabel:  source.RunLabel,
		SourceTimestamp: source.Timestamp,
	}, target, services.RunOptions{})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	// Only the edited q1 and the new q3 hit the provider; q2 rides
	// along from the source run.
	if got := provider.chatCallsFor("alpha") - alphaBefore; got != 2 {
		t.Errorf("clone generation calls = %d, want 2", got)
	}
	// q1's criterion meets a new response, q2 has no points, so one
	// fresh verdict.
	if got := provider.chatCallsFor("grader") - graderBefore; got != 1 {
		t.Errorf("clone judge calls = %d, want 1", got)
	}

	effID := "openai:alpha[temp:0.0]"
	if got := clone.AllFinalAssistantResponses["q1"][effID]; got != "Madrid is the capital of Spain." {
		t.Errorf("edited prompt response = %q", got)
	}
	if got, want := clone.AllFinalAssistantResponses["q2"][effID], source.AllFinalAssistantResponses["q2"][effID]; got != want {
		t.Errorf("reused response = %q, want %q", got, want)
	}
	if got := clone.AllFinalAssistantResponses["q3"][effID]; got != "The Pacific Ocean." {
		t.Errorf("added prompt response = %q", got)
	}
	if len(clone.Errors) != 0 {
		t.Errorf("clone carries errors: %v", clone.Errors)
	}

	if clone.RunLabel == source.RunLabel {
		t.Error("edited blueprint kept the source run label")
	}
	runs, err := s.store.ListRunsForConfig(ctx, "geography-flow")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].FileName != clone.FileName() {
		t.Errorf("newest run = %q, want %q", runs[0].FileName, clone.FileName())
	}
}

func TestCloneFlow_IdenticalBlueprintGeneratesNothing(t *testing.T) {
	provider := newFakeProvider(t)
	scriptGeography(provider)
	s := newStack(t, provider)
	ctx := context.Background()

	source, err := s.pipeline.Execute(ctx, geographyBlueprint("What is the capital of France?"), services.RunOptions{})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	chatBefore := provider.totalChatCalls()
	embedBefore := provider.embedBatches()

	s.clock.Advance(time.Hour)
	clone, err := s.cloner.Clone(ctx, services.CloneRequest{
		SourceConfigID:  "geography-flow",
		SourceRunLabel:  source.RunLabel,
		SourceTimestamp: source.Timestamp,
	}, geographyBlueprint("What is the capital of France?"), services.RunOptions{})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	if got := provider.totalChatCalls() - chatBefore; got != 0 {
		t.Errorf("identical clone made %d chat calls", got)
	}
	if got := provider.embedBatches() - embedBefore; got != 0 {
		t.Errorf("identical clone made %d embedding calls", got)
	}

	if clone.RunLabel != source.RunLabel {
		t.Errorf("run label changed: %q vs %q", clone.RunLabel, source.RunLabel)
	}
	if clone.Timestamp == source.Timestamp {
		t.Error("clone reused the source timestamp")
	}
	if !reflect.DeepEqual(clone.AllFinalAssistantResponses, source.AllFinalAssistantResponses) {
		t.Error("clone responses diverged from the source")
	}
}

func TestCloneFlow_MissingSourceFails(t *testing.T) {
	provider := newFakeProvider(t)
	scriptGeography(provider)
	s := newStack(t, provider)

	_, err := s.cloner.Clone(context.Background(), services.CloneRequest{
		SourceConfigID:  "geography-flow",
		SourceRunLabel:  "no-such-run",
		SourceTimestamp: "2026-01-01T00-00-00-000Z",
	}, geographyBlueprint("What is the capital of France?"), services.RunOptions{})
	if err == nil {
		t.Fatal("expected an error for a missing source run")
	}
	if !strings.Contains(err.Error(), "load source run") {
		t.Errorf("error = %v", err)
	}
	if got := provider.totalChatCalls(); got != 0 {
		t.Errorf("failed clone still made %d provider calls", got)
	}
}
