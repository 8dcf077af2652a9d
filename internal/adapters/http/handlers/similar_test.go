package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

type stubIndex struct {
	hits      []ports.IndexedResponse
	err       error
	lastLimit int
}

func (s *stubIndex) IndexRun(ctx context.Context, configID string, artifact *models.RunArtifact) error {
	return nil
}

func (s *stubIndex) IndexResponseEmbedding(ctx context.Context, configID, runLabel, promptID, modelID string, embedding []float32) error {
	return nil
}

func (s *stubIndex) ListRuns(ctx context.Context, configID string) ([]ports.RunSummary, error) {
	return nil, nil
}

func (s *stubIndex) SimilarResponses(ctx context.Context, embedding []float32, limit int) ([]ports.IndexedResponse, error) {
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

type stubEmbedder struct {
	vectors   [][]float32
	err       error
	lastModel string
	lastTexts []string
}

func (s *stubEmbedder) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	s.lastModel = model
	s.lastTexts = texts
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors, nil
}

func postSimilar(t *testing.T, handler *SimilarHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/similar", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.Search(rr, req)
	return rr
}

func TestSimilarHandler_Search(t *testing.T) {
	index := &stubIndex{
		hits: []ports.IndexedResponse{
			{ResponseID: "resp_1", ConfigID: "cfg-a", RunLabel: "lbl1", PromptID: "p1", ModelID: "m1", Distance: 0.12},
		},
	}
	embedder := &stubEmbedder{vectors: [][]float32{{0.1, 0.2}}}
	handler := NewSimilarHandler(index, embedder, "openai:text-embedding-3-small")

	rr := postSimilar(t, handler, `{"text": "how do transformers work", "limit": 3}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if embedder.lastModel != "openai:text-embedding-3-small" {
		t.Errorf("unexpected embedding model %s", embedder.lastModel)
	}
	if len(embedder.lastTexts) != 1 || embedder.lastTexts[0] != "how do transformers work" {
		t.Errorf("unexpected embedded texts %v", embedder.lastTexts)
	}
	if index.lastLimit != 3 {
		t.Errorf("expected limit 3, got %d", index.lastLimit)
	}

	var response struct {
		Results []ports.IndexedResponse `json:"results"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Results) != 1 || response.Results[0].ResponseID != "resp_1" {
		t.Errorf("unexpected results: %+v", response.Results)
	}
}

func TestSimilarHandler_Search_EmptyText(t *testing.T) {
	handler := NewSimilarHandler(&stubIndex{}, &stubEmbedder{}, "m")

	rr := postSimilar(t, handler, `{"text": "   "}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSimilarHandler_Search_EmbedderFails(t *testing.T) {
	handler := NewSimilarHandler(&stubIndex{}, &stubEmbedder{err: errors.New("provider down")}, "m")

	rr := postSimilar(t, handler, `{"text": "query"}`)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestSimilarHandler_Search_NoHits(t *testing.T) {
	handler := NewSimilarHandler(&stubIndex{}, &stubEmbedder{vectors: [][]float32{{0.5}}}, "m")

	rr := postSimilar(t, handler, `{"text": "query"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var response map[string]json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(response["results"]) != "[]" {
		t.Errorf("expected empty array, got %s", response["results"])
	}
}
