package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/longregen/rubric/internal/adapters/cache"
	"github.com/longregen/rubric/internal/adapters/circuitbreaker"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

func newGenService(t *testing.T, client ports.LLMClient, opts ...GenerationOption) *GenerationService {
	t.Helper()
	return NewGenerationService(client, staticResolver{}, testLimiters(t),
		circuitbreaker.NewRegistry(circuitbreaker.DefaultMaxFailures), opts...)
}

func TestGenerationServiceSuccess(t *testing.T) {
	var got ports.LLMCallOptions
	client := &scriptedClient{reply: func(opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		got = opts
		return &ports.LLMCallResult{ResponseText: "Paris."}, nil
	}}
	svc := newGenService(t, client)

	detail := svc.Generate(context.Background(), GenerationRequest{
		PromptID:         "p1",
		BaseModelID:      "openai:gpt-test",
		EffectiveModelID: "openai:gpt-test[temp:0.7]",
		Messages:         []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "Capital of France?"}},
		SystemPrompt:     strptr("Answer tersely."),
		Temperature:      f64ptr(0.7),
	})

	if detail.HasError {
		t.Fatalf("unexpected error detail: %s", detail.ErrorMessage)
	}
	if detail.FinalAssistantResponseText != "Paris." {
		t.Errorf("response = %q, want %q", detail.FinalAssistantResponseText, "Paris.")
	}
	if got.ModelID != "openai:gpt-test" {
		t.Errorf("adapter saw model %q, want the base id", got.ModelID)
	}
	if got.SystemPrompt == nil || *got.SystemPrompt != "Answer tersely." {
		t.Error("system prompt not forwarded to the adapter")
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Error("temperature not forwarded to the adapter")
	}
	if detail.SystemPromptUsed == nil || *detail.SystemPromptUsed != "Answer tersely." {
		t.Error("system prompt not recorded on the detail")
	}
	wantRoles := []models.ChatRole{models.ChatRoleSystem, models.ChatRoleUser, models.ChatRoleAssistant}
	if len(detail.FullConversationHistory) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(detail.FullConversationHistory), len(wantRoles))
	}
	for i, role := range wantRoles {
		if detail.FullConversationHistory[i].Role != role {
			t.Errorf("history[%d].Role = %q, want %q", i, detail.FullConversationHistory[i].Role, role)
		}
	}
	if detail.FullConversationHistory[2].Content != "Paris." {
		t.Error("history should end with the assistant answer")
	}
}

func TestGenerationServiceLeadingSystemWins(t *testing.T) {
	var got ports.LLMCallOptions
	client := &scriptedClient{reply: func(opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		got = opts
		return &ports.LLMCallResult{ResponseText: "ok"}, nil
	}}
	svc := newGenService(t, client)

	detail := svc.Generate(context.Background(), GenerationRequest{
		PromptID:    "p1",
		BaseModelID: "m:x",
		Messages: []models.ConversationMessage{
			{Role: models.ChatRoleSystem, Content: "inline system"},
			{Role: models.ChatRoleUser, Content: "hi"},
		},
		SystemPrompt: strptr("outer system"),
	})

	if got.SystemPrompt != nil {
		t.Error("a conversation leading with its own system turn should suppress the outer system prompt")
	}
	if len(detail.FullConversationHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(detail.FullConversationHistory))
	}
	if detail.FullConversationHistory[0].Content != "inline system" {
		t.Error("history should keep the conversation's own system turn first")
	}
}

func TestGenerationServiceErrorDetail(t *testing.T) {
	client := &scriptedClient{reply: func(ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		return nil, errors.New("upstream exploded")
	}}
	svc := newGenService(t, client)

	detail := svc.Generate(context.Background(), GenerationRequest{
		PromptID:    "p1",
		BaseModelID: "m:x",
		Messages:    []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "q"}},
	})

	if !detail.HasError {
		t.Fatal("expected an error detail")
	}
	if !strings.Contains(detail.ErrorMessage, "upstream exploded") {
		t.Errorf("error message = %q, want the adapter fault", detail.ErrorMessage)
	}
	if detail.FinalAssistantResponseText != models.ErrorSentinel(detail.ErrorMessage) {
		t.Errorf("response text = %q, want the sentinel form", detail.FinalAssistantResponseText)
	}
	if client.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1: unclassified faults are not retryable", client.callCount())
	}
}

func TestGenerationServiceBreakerSheds(t *testing.T) {
	client := &scriptedClient{reply: func(ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		return nil, errors.New("provider down")
	}}
	svc := newGenService(t, client)

	shedMsg := "Circuit breaker for model 'prov:failing' is open"
	shed := 0
	for i := 0; i < 12; i++ {
		detail := svc.Generate(context.Background(), GenerationRequest{
			PromptID:    fmt.Sprintf("p%02d", i+1),
			BaseModelID: "prov:failing",
			Messages:    []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "q"}},
		})
		if !detail.HasError {
			t.Fatalf("cell %d: expected an error detail", i+1)
		}
		if detail.ErrorMessage == shedMsg {
			shed++
		}
	}

	if got := client.callCount(); got != circuitbreaker.DefaultMaxFailures {
		t.Errorf("adapter calls = %d, want %d: the breaker should shed past the threshold",
			got, circuitbreaker.DefaultMaxFailures)
	}
	if shed != 2 {
		t.Errorf("shed cells = %d, want 2", shed)
	}
}

func TestGenerationServiceBreakerIsPerModel(t *testing.T) {
	client := &scriptedClient{reply: func(opts ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		if opts.ModelID == "prov:dead" {
			return nil, errors.New("dead model")
		}
		return &ports.LLMCallResult{ResponseText: "alive"}, nil
	}}
	svc := newGenService(t, client)

	for i := 0; i < circuitbreaker.DefaultMaxFailures; i++ {
		svc.Generate(context.Background(), GenerationRequest{
			PromptID:    "p1",
			BaseModelID: "prov:dead",
			Messages:    []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "q"}},
		})
	}
	detail := svc.Generate(context.Background(), GenerationRequest{
		PromptID:    "p1",
		BaseModelID: "prov:healthy",
		Messages:    []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "q"}},
	})
	if detail.HasError {
		t.Errorf("healthy model shed by a sibling's breaker: %s", detail.ErrorMessage)
	}
}

func TestGenerationServiceCache(t *testing.T) {
	client := echoClient("cached answer")
	svc := newGenService(t, client, WithGenerationCache(cache.NewMemoryStore(), "test"))

	req := GenerationRequest{
		PromptID:    "p1",
		BaseModelID: "m:x",
		Messages:    []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "q"}},
		Temperature: f64ptr(0),
	}
	first := svc.Generate(context.Background(), req)
	second := svc.Generate(context.Background(), req)

	if client.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1: the second cell should come from the cache", client.callCount())
	}
	if second.FinalAssistantResponseText != first.FinalAssistantResponseText {
		t.Error("cached detail should match the generated one")
	}

	req.Temperature = f64ptr(0.5)
	svc.Generate(context.Background(), req)
	if client.callCount() != 2 {
		t.Errorf("adapter calls = %d, want 2: a different temperature is a different cell", client.callCount())
	}
}

func TestGenerationServiceDoesNotCacheFailures(t *testing.T) {
	client := &scriptedClient{}
	client.reply = func(ports.LLMCallOptions) (*ports.LLMCallResult, error) {
		if client.callCount() == 1 {
			return nil, errors.New("flaky")
		}
		return &ports.LLMCallResult{ResponseText: "recovered"}, nil
	}
	svc := newGenService(t, client, WithGenerationCache(cache.NewMemoryStore(), ""))

	req := GenerationRequest{
		PromptID:    "p1",
		BaseModelID: "m:x",
		Messages:    []models.ConversationMessage{{Role: models.ChatRoleUser, Content: "q"}},
	}
	first := svc.Generate(context.Background(), req)
	second := svc.Generate(context.Background(), req)

	if !first.HasError {
		t.Fatal("first cell should fail")
	}
	if second.HasError || second.FinalAssistantResponseText != "recovered" {
		t.Errorf("second cell = %+v, want a live retry: failures must not be cached", second)
	}
	if client.callCount() != 2 {
		t.Errorf("adapter calls = %d, want 2", client.callCount())
	}
}
