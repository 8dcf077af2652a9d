// Package storage persists run artifacts on the local filesystem under
// the object-storage keyspace shared with hosted deployments:
//
//	live/blueprints/{configId}/{runLabel}_{safeTimestamp}_comparison.json
//	live/blueprints/{configId}/{runLabel}_{safeTimestamp}/responses/{promptId}/{safeModelId}.json
//
// Saves are all-or-nothing: per-cell response files land first, the
// comparison document last, so a run only becomes visible to listings
// once it is complete. Partial writes are removed on failure.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

const blueprintPrefix = "live/blueprints"

// FileStore is the filesystem-backed ResultStore.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the keyspace root under dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, blueprintPrefix), 0755); err != nil {
		return nil, models.NewPipelineError(models.ErrorKindStorage, "create store root", err)
	}
	return &FileStore{root: dir, logger: slog.With("component", "storage")}, nil
}

func (s *FileStore) configDir(configID string) string {
	return filepath.Join(s.root, blueprintPrefix, configID)
}

func (s *FileStore) runDir(configID, runLabel, timestamp string) string {
	return filepath.Join(s.configDir(configID), fmt.Sprintf("%s_%s", runLabel, timestamp))
}

// SaveResult writes every per-cell response document and then the
// comparison document. Any failure removes what was already written
// for this run.
func (s *FileStore) SaveResult(ctx context.Context, configID string, artifact *models.RunArtifact) error {
	runDir := s.runDir(configID, artifact.RunLabel, artifact.Timestamp)
	mainPath := filepath.Join(s.configDir(configID), artifact.FileName())

	if err := s.writeResponses(runDir, artifact); err != nil {
		os.RemoveAll(runDir)
		return models.NewPipelineError(models.ErrorKindStorage, "write response documents", err)
	}
	if err := writeJSON(mainPath, artifact); err != nil {
		os.RemoveAll(runDir)
		os.Remove(mainPath)
		return models.NewPipelineError(models.ErrorKindStorage, "write comparison document", err)
	}
	s.logger.Info("run persisted",
		"configId", configID,
		"runLabel", artifact.RunLabel,
		"file", artifact.FileName(),
	)
	return nil
}

func (s *FileStore) writeResponses(runDir string, artifact *models.RunArtifact) error {
	for promptID, perModel := range artifact.AllFinalAssistantResponses {
		dir := filepath.Join(runDir, "responses", promptID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		for modelID, text := range perModel {
			detail := &models.ModelResponseDetail{
				FinalAssistantResponseText: text,
				FullConversationHistory:    artifact.FullConversationHistories[promptID][modelID],
				SystemPromptUsed:           artifact.ModelSystemPrompts[modelID],
			}
			if msg, ok := artifact.Errors[promptID][modelID]; ok {
				detail.HasError = true
				detail.ErrorMessage = msg
			}
			path := filepath.Join(dir, models.SafeModelID(modelID)+".json")
			if err := writeJSON(path, detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeJSON lands the document under a temporary name and renames it
// into place, so readers never observe a half-written file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) GetResultByFileName(ctx context.Context, configID, fileName string) (*models.RunArtifact, error) {
	data, err := os.ReadFile(filepath.Join(s.configDir(configID), fileName))
	if err != nil {
		return nil, models.NewPipelineError(models.ErrorKindStorage, fmt.Sprintf("read artifact %s/%s", configID, fileName), err)
	}
	var artifact models.RunArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, fmt.Sprintf("decode artifact %s/%s", configID, fileName), err)
	}
	return &artifact, nil
}

// GetCoverageResult extracts one cell's coverage from the run's
// comparison document. Like GetResponseDetail it accepts either the
// effective model id or its storage-safe form.
func (s *FileStore) GetCoverageResult(ctx context.Context, configID, runLabel, timestamp, promptID, modelID string) (*models.CoverageResult, error) {
	artifact, err := s.GetResultByFileName(ctx, configID, models.ArtifactFileName(runLabel, timestamp))
	if err != nil {
		return nil, err
	}
	if result := artifact.EvaluationResults.LLMCoverageScores.Get(promptID, modelID); result != nil {
		return result, nil
	}
	for effID, result := range artifact.EvaluationResults.LLMCoverageScores[promptID] {
		if models.SafeModelID(effID) == modelID {
			return result, nil
		}
	}
	return nil, fmt.Errorf("no coverage recorded for %s/%s in run %s", promptID, modelID, runLabel)
}

func (s *FileStore) GetResponseDetail(ctx context.Context, configID, runLabel, timestamp, promptID, modelID string) (*models.ModelResponseDetail, error) {
	path := filepath.Join(s.runDir(configID, runLabel, timestamp), "responses", promptID, models.SafeModelID(modelID)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrorKindStorage, fmt.Sprintf("read response %s/%s", promptID, modelID), err)
	}
	var detail models.ModelResponseDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, models.NewPipelineError(models.ErrorKindFormat, fmt.Sprintf("decode response %s/%s", promptID, modelID), err)
	}
	return &detail, nil
}

func (s *FileStore) ListConfigIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, blueprintPrefix))
	if err != nil {
		return nil, models.NewPipelineError(models.ErrorKindStorage, "list configs", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRunsForConfig returns the persisted runs of one config, newest
// first. A config with no runs yet lists as empty, not as an error.
func (s *FileStore) ListRunsForConfig(ctx context.Context, configID string) ([]ports.RunSummary, error) {
	entries, err := os.ReadDir(s.configDir(configID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewPipelineError(models.ErrorKindStorage, fmt.Sprintf("list runs for %s", configID), err)
	}
	var runs []ports.RunSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "_comparison.json") {
			continue
		}
		base := strings.TrimSuffix(name, "_comparison.json")
		runLabel, timestamp, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		summary := ports.RunSummary{RunLabel: runLabel, Timestamp: timestamp, FileName: name}
		if info, err := e.Info(); err == nil {
			summary.SavedAt = info.ModTime()
		}
		runs = append(runs, summary)
	}
	// safeTimestamp sorts lexically in chronological order.
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Timestamp != runs[j].Timestamp {
			return runs[i].Timestamp > runs[j].Timestamp
		}
		return runs[i].RunLabel < runs[j].RunLabel
	})
	return runs, nil
}

var _ ports.ResultStore = (*FileStore)(nil)
