//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	apihttp "github.com/longregen/rubric/internal/adapters/http"
	"github.com/longregen/rubric/internal/adapters/http/handlers"
	"github.com/longregen/rubric/internal/application/services"
	"github.com/longregen/rubric/internal/config"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// getJSON fetches path from the API server and decodes the reply,
// failing the test on any non-200 status.
func getJSON(t *testing.T, ts *httptest.Server, path string, out any) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestServerFlow_ServesPersistedRuns(t *testing.T) {
	provider := newFakeProvider(t)
	scriptCapitals(provider)
	s := newStack(t, provider)
	ctx := context.Background()

	bp := capitalsBlueprint()
	artifact, err := s.pipeline.Execute(ctx, bp, services.RunOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	cfg := config.DefaultConfig()
	server := apihttp.NewServer(cfg, s.store, nil, nil, "flow-test")
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	var health handlers.HealthResponse
	getJSON(t, ts, "/healthz", &health)
	if health.Status != "ok" || health.Version != "flow-test" {
		t.Errorf("health = %+v", health)
	}

	var configs struct {
		ConfigIDs []string `json:"configIds"`
	}
	getJSON(t, ts, "/api/configs", &configs)
	if len(configs.ConfigIDs) != 1 || configs.ConfigIDs[0] != bp.ID {
		t.Errorf("config ids = %v", configs.ConfigIDs)
	}

	var runs struct {
		ConfigID string             `json:"configId"`
		Runs     []ports.RunSummary `json:"runs"`
	}
	getJSON(t, ts, "/api/configs/"+bp.ID+"/runs", &runs)
	if runs.ConfigID != bp.ID || len(runs.Runs) != 1 {
		t.Fatalf("runs reply = %+v", runs)
	}
	if runs.Runs[0].FileName != artifact.FileName() {
		t.Errorf("listed run = %q, want %q", runs.Runs[0].FileName, artifact.FileName())
	}

	var doc models.RunArtifact
	getJSON(t, ts, "/api/configs/"+bp.ID+"/runs/"+artifact.FileName(), &doc)
	if doc.RunLabel != artifact.RunLabel || doc.ConfigTitle != "European capitals" {
		t.Errorf("served document: label %q title %q", doc.RunLabel, doc.ConfigTitle)
	}
	if len(doc.EffectiveModels) != 2 {
		t.Errorf("served document models = %v", doc.EffectiveModels)
	}

	effID := "openai:alpha[temp:0.0]"
	cellBase := fmt.Sprintf("/api/configs/%s/runs/%s/%s", bp.ID, artifact.RunLabel, artifact.Timestamp)

	// The response route accepts the storage-safe model form.
	var detail models.ModelResponseDetail
	getJSON(t, ts, cellBase+"/responses/p-capital/"+models.SafeModelID(effID), &detail)
	if detail.FinalAssistantResponseText != "Paris is the capital of France." {
		t.Errorf("served response = %q", detail.FinalAssistantResponseText)
	}

	var cov models.CoverageResult
	getJSON(t, ts, cellBase+"/coverage/p-capital/"+models.SafeModelID(effID), &cov)
	if cov.KeyPointsCount != 2 || cov.AvgCoverageExtent == nil || *cov.AvgCoverageExtent != 1.0 {
		t.Errorf("served coverage = %+v", cov)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func TestServerFlow_MissingRunReadsAsNotFound(t *testing.T) {
	provider := newFakeProvider(t)
	s := newStack(t, provider)

	cfg := config.DefaultConfig()
	server := apihttp.NewServer(cfg, s.store, nil, nil, "flow-test")
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/configs/ghost/runs/lbl_2026-01-01T00-00-00-000Z_comparison.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body handlers.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "not_found" {
		t.Errorf("error type = %q", body.Error)
	}
}
