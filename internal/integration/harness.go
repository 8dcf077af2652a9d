//go:build integration

// Package integration exercises the pipeline stack end to end: the
// real provider dispatcher and embedding client pointed at a local
// fake provider, the sqlite cache, the filesystem result store and
// the read-only HTTP API on top of it.
package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/longregen/rubric/internal/adapters/cache"
	"github.com/longregen/rubric/internal/adapters/circuitbreaker"
	"github.com/longregen/rubric/internal/adapters/embedding"
	"github.com/longregen/rubric/internal/adapters/ratelimit"
	"github.com/longregen/rubric/internal/adapters/storage"
	"github.com/longregen/rubric/internal/application/services"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/llm"
	"github.com/longregen/rubric/internal/points"
)

// Model ids shared by the flow tests. All route through the fake
// provider's openai endpoint.
const (
	judgeModel     = "openai:grader"
	embeddingModel = "openai:embed-test"
)

// chatTurn is one decoded message of a chat completion request.
type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCall is one recorded /chat/completions request, keyed by the
// bare wire model name.
type chatCall struct {
	Model    string
	Messages []chatTurn
}

// lastUser returns the content of the last user turn.
func (c chatCall) lastUser() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return ""
}

// fakeProvider is an openai-compatible endpoint serving scripted chat
// completions and deterministic embeddings. Unscripted models echo
// the last user turn; models registered with failWith reply with that
// HTTP status instead.
type fakeProvider struct {
	server *httptest.Server

	mu         sync.Mutex
	chatCalls  []chatCall
	embedCalls int
	answers    map[string]func(chatCall) string
	failures   map[string]int
	vector     func(text string) []float32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{
		answers:  make(map[string]func(chatCall) string),
		failures: make(map[string]int),
		vector:   func(string) []float32 { return []float32{1, 0} },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", f.handleChat)
	mux.HandleFunc("/embeddings", f.handleEmbeddings)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// answer scripts one wire model's reply.
func (f *fakeProvider) answer(model string, fn func(chatCall) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[model] = fn
}

// failWith makes one wire model reply with an HTTP error status.
func (f *fakeProvider) failWith(model string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[model] = status
}

// vectors replaces the embedding function.
func (f *fakeProvider) vectors(fn func(text string) []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vector = fn
}

// chatCallsFor counts requests routed to one wire model.
func (f *fakeProvider) chatCallsFor(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.chatCalls {
		if c.Model == model {
			n++
		}
	}
	return n
}

// totalChatCalls counts every chat completion request seen.
func (f *fakeProvider) totalChatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chatCalls)
}

// embedBatches counts /embeddings requests seen.
func (f *fakeProvider) embedBatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedCalls
}

func (f *fakeProvider) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string     `json:"model"`
		Messages []chatTurn `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	call := chatCall{Model: req.Model, Messages: req.Messages}

	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, call)
	status := f.failures[req.Model]
	reply := f.answers[req.Model]
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "scripted failure"},
		})
		return
	}

	content := "answer to: " + call.lastUser()
	if reply != nil {
		content = reply(call)
	}
	writeJSON(w, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
}

func (f *fakeProvider) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input any    `json:"input"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var texts []string
	switch v := req.Input.(type) {
	case string:
		texts = []string{v}
	case []any:
		for _, e := range v {
			s, _ := e.(string)
			texts = append(texts, s)
		}
	}

	f.mu.Lock()
	f.embedCalls++
	vec := f.vector
	f.mu.Unlock()

	data := make([]map[string]any, len(texts))
	for i, text := range texts {
		data[i] = map[string]any{"embedding": vec(text), "index": i}
	}
	writeJSON(w, map[string]any{"data": data, "model": req.Model})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// verdict renders the JSON object the grading contract asks judges for.
func verdict(extent float64, reflection string) string {
	return fmt.Sprintf(`{"coverage_extent": %g, "reflection": %q}`, extent, reflection)
}

// stepClock is a controllable time source for the aggregator, so runs
// within one test get distinct timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock(at time.Time) *stepClock {
	return &stepClock{now: at}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stack is one test's full pipeline wiring: real dispatcher, embedder,
// sqlite cache and file store, all pointed at the fake provider.
type stack struct {
	provider   *fakeProvider
	store      *storage.FileStore
	resultsDir string
	clock      *stepClock
	pipeline   *services.PipelineService
	cloner     *services.CloneService
}

func newStack(t *testing.T, provider *fakeProvider) *stack {
	t.Helper()

	resultsDir := t.TempDir()
	fileStore, err := storage.NewFileStore(resultsDir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	cacheStore, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), 0)
	if err != nil {
		t.Fatalf("cache store: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })

	env := func(string) string { return "integration-test-key" }
	dispatcher := llm.NewDispatcher(
		llm.WithBaseURL(provider.server.URL),
		llm.WithEnv(env),
		llm.WithHTTPClient(provider.server.Client()),
	)
	embedder := embedding.NewClient(
		embedding.WithBaseURL(provider.server.URL),
		embedding.WithEnv(env),
		embedding.WithHTTPClient(provider.server.Client()),
	)

	limiters, err := ratelimit.NewRegistry(nil, ratelimit.DefaultProfile())
	if err != nil {
		t.Fatalf("limiter registry: %v", err)
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultMaxFailures)

	gen := services.NewGenerationService(dispatcher, dispatcher, limiters, breakers,
		services.WithGenerationCache(cacheStore, "integration"),
	)
	judge := services.NewJudgeService(dispatcher, []string{judgeModel}, models.JudgeModeFailover,
		services.WithJudgeCache(cacheStore),
	)
	similarity := services.NewSimilarityService(embedder, embeddingModel,
		services.WithEmbeddingCache(cacheStore),
	)
	coverage := services.NewCoverageService(points.NewRegistry(), judge)

	clock := newStepClock(time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC))
	aggregator := services.NewAggregator(fileStore, services.WithClock(clock.Now))
	pipeline := services.NewPipelineService(gen, similarity, coverage, aggregator)

	return &stack{
		provider:   provider,
		store:      fileStore,
		resultsDir: resultsDir,
		clock:      clock,
		pipeline:   pipeline,
		cloner:     services.NewCloneService(fileStore, pipeline),
	}
}
