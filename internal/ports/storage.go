package ports

import (
	"context"
	"time"

	"github.com/longregen/rubric/internal/domain/models"
)

// RunSummary is one persisted run as seen by listing operations.
type RunSummary struct {
	RunLabel  string    `json:"runLabel"`
	Timestamp string    `json:"timestamp"`
	FileName  string    `json:"fileName"`
	SavedAt   time.Time `json:"savedAt,omitempty"`
}

// ResultStore is the object-storage collaborator holding run
// artifacts and their per-cell artefacts. Writes are all-or-nothing.
type ResultStore interface {
	SaveResult(ctx context.Context, configID string, artifact *models.RunArtifact) error
	GetResultByFileName(ctx context.Context, configID, fileName string) (*models.RunArtifact, error)
	GetCoverageResult(ctx context.Context, configID, runLabel, timestamp, promptID, modelID string) (*models.CoverageResult, error)
	GetResponseDetail(ctx context.Context, configID, runLabel, timestamp, promptID, modelID string) (*models.ModelResponseDetail, error)
	ListConfigIDs(ctx context.Context) ([]string, error)
	ListRunsForConfig(ctx context.Context, configID string) ([]RunSummary, error)
}

// CacheStore is the content-addressed cache behind the pipeline's
// memoization. Keys are deterministic hashes scoped by namespace.
type CacheStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// RunIndex is the optional queryable index of past runs, responses
// and their embeddings.
type RunIndex interface {
	IndexRun(ctx context.Context, configID string, artifact *models.RunArtifact) error
	IndexResponseEmbedding(ctx context.Context, configID, runLabel, promptID, modelID string, embedding []float32) error
	ListRuns(ctx context.Context, configID string) ([]RunSummary, error)
	SimilarResponses(ctx context.Context, embedding []float32, limit int) ([]IndexedResponse, error)
}

// IndexedResponse is one nearest-neighbor hit from the run index.
type IndexedResponse struct {
	ConfigID   string  `json:"configId"`
	RunLabel   string  `json:"runLabel"`
	PromptID   string  `json:"promptId"`
	ModelID    string  `json:"modelId"`
	Distance   float64 `json:"distance"`
	ResponseID string  `json:"responseId"`
}
