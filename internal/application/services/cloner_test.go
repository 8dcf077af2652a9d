package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

func lastUserContent(opts ports.LLMCallOptions) string {
	for i := len(opts.Messages) - 1; i >= 0; i-- {
		if opts.Messages[i].Role == models.ChatRoleUser {
			return opts.Messages[i].Content
		}
	}
	return ""
}

// answeringClient replies "answer to <last user turn>" so reused and
// regenerated cells are distinguishable by content.
func answeringClient(p *testPipeline) {
	p.gen.reply = func(opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		return &ports.LLMCallResult{ResponseText: "answer to " + lastUserContent(opts)}, nil
	}
}

func cloneSourceRequest(source *models.RunArtifact) CloneRequest {
	return CloneRequest{
		SourceConfigID:  source.ConfigID,
		SourceRunLabel:  source.RunLabel,
		SourceTimestamp: source.Timestamp,
	}
}

func TestCloneReusesUnchangedCells(t *testing.T) {
	p := newTestPipeline(t)
	answeringClient(p)

	src := &models.Blueprint{
		ID: "clone",
		Prompts: []models.Prompt{
			{ID: "p1", PromptText: "one", Points: []models.PointDefinition{{Text: "answers one"}}},
			{ID: "p2", PromptText: "two", Points: []models.PointDefinition{{Text: "answers two"}}},
		},
		Models: []models.ModelRef{{ID: "m:x"}},
	}
	source, err := p.svc.Execute(context.Background(), src, RunOptions{SkipEmbeddings: true})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	genBefore, judgeBefore := p.gen.callCount(), p.judge.callCount()
	p.clock.Advance(time.Hour)

	target := &models.Blueprint{
		ID: "clone",
		Prompts: []models.Prompt{
			{ID: "p1", PromptText: "one changed", Points: []models.PointDefinition{{Text: "answers one"}}},
			{ID: "p2", PromptText: "two", Points: []models.PointDefinition{{Text: "answers two"}}},
			{ID: "p3", PromptText: "three", Points: []models.PointDefinition{{Text: "answers three"}}},
		},
		Models: []models.ModelRef{{ID: "m:x"}},
	}
	clone, err := p.cloner.Clone(context.Background(), cloneSourceRequest(source), target, RunOptions{SkipEmbeddings: true})
	if err != nil {
		t.Fatalf("clone run: %v", err)
	}

	if got := p.gen.callCount() - genBefore; got != 2 {
		t.Errorf("generated cells = %d, want 2: the changed prompt and the new one", got)
	}
	if got := p.judge.callCount() - judgeBefore; got != 2 {
		t.Errorf("judge calls = %d, want 2: the reused cell keeps its grading", got)
	}
	if clone.RunLabel == source.RunLabel {
		t.Error("a changed blueprint must produce a new run label")
	}
	if clone.Timestamp == source.Timestamp {
		t.Error("clone must carry its own timestamp")
	}

	cells := clone.AllFinalAssistantResponses
	if got := cells["p2"]["m:x[temp:0.0]"]; got != "answer to two" {
		t.Errorf("p2 cell = %q, want the reused source answer", got)
	}
	if got := cells["p1"]["m:x[temp:0.0]"]; got != "answer to one changed" {
		t.Errorf("p1 cell = %q, want a fresh answer", got)
	}
	if got := cells["p3"]["m:x[temp:0.0]"]; got != "answer to three" {
		t.Errorf("p3 cell = %q, want a fresh answer", got)
	}

	cov := clone.EvaluationResults.LLMCoverageScores.Get("p2", "m:x[temp:0.0]")
	if cov == nil || cov.AvgCoverageExtent == nil || *cov.AvgCoverageExtent != 1 {
		t.Errorf("p2 coverage = %+v, want the carried grading", cov)
	}
	if p.store.saves != 2 {
		t.Errorf("persisted artifacts = %d, want source plus clone", p.store.saves)
	}
}

func TestCloneIdenticalBlueprintReusesEverything(t *testing.T) {
	p := newTestPipeline(t)
	answeringClient(p)

	blueprint := func() *models.Blueprint {
		return &models.Blueprint{
			ID: "clone-same",
			Prompts: []models.Prompt{
				{ID: "p1", PromptText: "one", Points: []models.PointDefinition{{Text: "answers one"}}},
				{ID: "p2", PromptText: "two", Points: []models.PointDefinition{{Text: "answers two"}}},
			},
			Models: []models.ModelRef{{ID: "m:x"}},
		}
	}
	source, err := p.svc.Execute(context.Background(), blueprint(), RunOptions{SkipEmbeddings: true})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	genBefore, judgeBefore := p.gen.callCount(), p.judge.callCount()
	p.clock.Advance(time.Hour)

	clone, err := p.cloner.Clone(context.Background(), cloneSourceRequest(source), blueprint(), RunOptions{SkipEmbeddings: true})
	if err != nil {
		t.Fatalf("clone run: %v", err)
	}

	if got := p.gen.callCount() - genBefore; got != 0 {
		t.Errorf("generated cells = %d, want 0", got)
	}
	if got := p.judge.callCount() - judgeBefore; got != 0 {
		t.Errorf("judge calls = %d, want 0", got)
	}
	if clone.RunLabel != source.RunLabel {
		t.Error("an identical blueprint keeps its run label")
	}
	if clone.Timestamp == source.Timestamp {
		t.Error("clone must carry its own timestamp")
	}
	if !reflect.DeepEqual(clone.AllFinalAssistantResponses, source.AllFinalAssistantResponses) {
		t.Error("clone responses diverged from the source")
	}
	if p.store.saves != 2 {
		t.Errorf("persisted artifacts = %d, want 2 distinct files", p.store.saves)
	}
}

func TestCloneRegeneratesErroredSourceCells(t *testing.T) {
	p := newTestPipeline(t)
	p.gen.reply = func(opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		if strings.Contains(lastUserContent(opts), "one") {
			return nil, errors.New("boom")
		}
		return &ports.LLMCallResult{ResponseText: "answer to " + lastUserContent(opts)}, nil
	}

	blueprint := func() *models.Blueprint {
		return &models.Blueprint{
			ID: "clone-errored",
			Prompts: []models.Prompt{
				{ID: "p1", PromptText: "one"},
				{ID: "p2", PromptText: "two"},
			},
			Models: []models.ModelRef{{ID: "m:x"}},
		}
	}
	source, err := p.svc.Execute(context.Background(), blueprint(), RunOptions{SkipEmbeddings: true, SkipCoverage: true})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	if _, ok := source.Errors["p1"]["m:x[temp:0.0]"]; !ok {
		t.Fatal("source p1 should have errored")
	}
	genBefore := p.gen.callCount()
	p.clock.Advance(time.Hour)

	p.gen.reply = func(ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		return &ports.LLMCallResult{ResponseText: "recovered"}, nil
	}
	clone, err := p.cloner.Clone(context.Background(), cloneSourceRequest(source), blueprint(),
		RunOptions{SkipEmbeddings: true, SkipCoverage: true})
	if err != nil {
		t.Fatalf("clone run: %v", err)
	}

	if got := p.gen.callCount() - genBefore; got != 1 {
		t.Errorf("generated cells = %d, want 1: only the errored cell", got)
	}
	if got := clone.AllFinalAssistantResponses["p1"]["m:x[temp:0.0]"]; got != "recovered" {
		t.Errorf("p1 cell = %q, want the regenerated answer", got)
	}
	if got := clone.AllFinalAssistantResponses["p2"]["m:x[temp:0.0]"]; got != "answer to two" {
		t.Errorf("p2 cell = %q, want the reused answer", got)
	}
	if len(clone.Errors) != 0 {
		t.Errorf("clone errors = %v, want none", clone.Errors)
	}
}

func TestCloneSystemChangeForcesRegeneration(t *testing.T) {
	p := newTestPipeline(t)
	answeringClient(p)

	blueprint := func(system string) *models.Blueprint {
		return &models.Blueprint{
			ID:      "clone-system",
			Prompts: []models.Prompt{{ID: "p1", PromptText: "one"}},
			Models:  []models.ModelRef{{ID: "m:x"}},
			System:  &system,
		}
	}
	source, err := p.svc.Execute(context.Background(), blueprint("You are terse."),
		RunOptions{SkipEmbeddings: true, SkipCoverage: true})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	genBefore := p.gen.callCount()
	p.clock.Advance(time.Hour)

	_, err = p.cloner.Clone(context.Background(), cloneSourceRequest(source), blueprint("You are thorough."),
		RunOptions{SkipEmbeddings: true, SkipCoverage: true})
	if err != nil {
		t.Fatalf("clone run: %v", err)
	}
	if got := p.gen.callCount() - genBefore; got != 1 {
		t.Errorf("generated cells = %d, want 1: same messages under a new system prompt", got)
	}
}

func TestCloneDropsRemovedPrompts(t *testing.T) {
	p := newTestPipeline(t)
	answeringClient(p)

	src := &models.Blueprint{
		ID: "clone-removed",
		Prompts: []models.Prompt{
			{ID: "p1", PromptText: "one"},
			{ID: "p2", PromptText: "two"},
		},
		Models: []models.ModelRef{{ID: "m:x"}},
	}
	source, err := p.svc.Execute(context.Background(), src, RunOptions{SkipEmbeddings: true, SkipCoverage: true})
	if err != nil {
		t.Fatalf("source run: %v", err)
	}
	genBefore := p.gen.callCount()
	p.clock.Advance(time.Hour)

	target := &models.Blueprint{
		ID:      "clone-removed",
		Prompts: []models.Prompt{{ID: "p1", PromptText: "one"}},
		Models:  []models.ModelRef{{ID: "m:x"}},
	}
	clone, err := p.cloner.Clone(context.Background(), cloneSourceRequest(source), target,
		RunOptions{SkipEmbeddings: true, SkipCoverage: true})
	if err != nil {
		t.Fatalf("clone run: %v", err)
	}
	if got := p.gen.callCount() - genBefore; got != 0 {
		t.Errorf("generated cells = %d, want 0", got)
	}
	if !reflect.DeepEqual(clone.PromptIDs, []string{"p1"}) {
		t.Errorf("prompt ids = %v, want the dropped prompt gone", clone.PromptIDs)
	}
	if _, ok := clone.AllFinalAssistantResponses["p2"]; ok {
		t.Error("removed prompt must not leak into the clone")
	}
}

func TestCloneMissingSource(t *testing.T) {
	p := newTestPipeline(t)
	target := &models.Blueprint{
		ID:      "clone-missing",
		Prompts: []models.Prompt{{ID: "p1", PromptText: "one"}},
		Models:  []models.ModelRef{{ID: "m:x"}},
	}
	req := CloneRequest{SourceConfigID: "ghost", SourceRunLabel: "nolabel", SourceTimestamp: "notime"}
	_, err := p.cloner.Clone(context.Background(), req, target, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "load source run") {
		t.Fatalf("err = %v, want the source load failure", err)
	}
}

func TestCloneValidatesTargetBeforeLoading(t *testing.T) {
	p := newTestPipeline(t)
	target := &models.Blueprint{
		Prompts: []models.Prompt{{ID: "p1", PromptText: "one"}},
		Models:  []models.ModelRef{{ID: "m:x"}},
	}
	req := CloneRequest{SourceConfigID: "ghost", SourceRunLabel: "nolabel", SourceTimestamp: "notime"}
	_, err := p.cloner.Clone(context.Background(), req, target, RunOptions{})
	var pe *models.PipelineError
	if !errors.As(err, &pe) || pe.Kind != models.ErrorKindConfig {
		t.Fatalf("err = %v, want the blueprint rejected", err)
	}
	if strings.Contains(err.Error(), "load source run") {
		t.Error("validation must run before the source is touched")
	}
}
