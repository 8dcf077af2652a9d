// Package postgres implements the optional run index: a queryable
// record of persisted runs and their responses, with pgvector-backed
// similarity search over response embeddings. The filesystem artifact
// store stays the source of truth; this index only accelerates
// listing and cross-run lookups.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/longregen/rubric/internal/adapters/id"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rubric_runs (
	id TEXT PRIMARY KEY,
	config_id TEXT NOT NULL,
	run_label TEXT NOT NULL,
	run_timestamp TEXT NOT NULL,
	file_name TEXT NOT NULL,
	config_title TEXT NOT NULL DEFAULT '',
	prompt_count INT NOT NULL DEFAULT 0,
	model_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (config_id, file_name)
);

CREATE INDEX IF NOT EXISTS idx_rubric_runs_config ON rubric_runs (config_id, created_at DESC);

CREATE TABLE IF NOT EXISTS rubric_responses (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES rubric_runs(id) ON DELETE CASCADE,
	config_id TEXT NOT NULL,
	run_label TEXT NOT NULL,
	prompt_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	response_text TEXT NOT NULL DEFAULT '',
	has_error BOOLEAN NOT NULL DEFAULT FALSE,
	embedding vector,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (run_id, prompt_id, model_id)
);

CREATE INDEX IF NOT EXISTS idx_rubric_responses_lookup
	ON rubric_responses (config_id, run_label, prompt_id, model_id);
`

// EnsureSchema creates the run index tables when they do not exist.
// The connecting role must be allowed to install the vector extension.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create run index schema: %w", err)
	}
	return nil
}

// RunIndexRepository implements ports.RunIndex on PostgreSQL.
type RunIndexRepository struct {
	BaseRepository
	tm  *TransactionManager
	ids *id.Generator
}

func NewRunIndexRepository(pool *pgxpool.Pool) *RunIndexRepository {
	return &RunIndexRepository{
		BaseRepository: NewBaseRepository(pool),
		tm:             NewTransactionManager(pool),
		ids:            id.New(),
	}
}

// IndexRun records one persisted artifact and a row per response cell.
// Indexing the same artifact twice is a no-op.
func (r *RunIndexRepository) IndexRun(ctx context.Context, configID string, artifact *models.RunArtifact) error {
	return r.tm.WithTransaction(ctx, func(ctx context.Context) error {
		runID := r.ids.GenerateRunID()

		tag, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO rubric_runs (id, config_id, run_label, run_timestamp, file_name, config_title, prompt_count, model_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (config_id, file_name) DO NOTHING`,
			runID,
			configID,
			artifact.RunLabel,
			artifact.Timestamp,
			artifact.FileName(),
			artifact.ConfigTitle,
			len(artifact.PromptIDs),
			len(artifact.EffectiveModels),
		)
		if err != nil {
			return fmt.Errorf("failed to index run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already indexed.
			return nil
		}

		for _, promptID := range artifact.PromptIDs {
			for _, modelID := range artifact.EffectiveModels {
				responseText := artifact.AllFinalAssistantResponses[promptID][modelID]
				var hasError bool
				if cellErrors, ok := artifact.Errors[promptID]; ok {
					_, hasError = cellErrors[modelID]
				}
				if responseText == "" && !hasError {
					// Ideal column for a prompt without an ideal.
					continue
				}

				_, err := r.conn(ctx).Exec(ctx, `
					INSERT INTO rubric_responses (id, run_id, config_id, run_label, prompt_id, model_id, response_text, has_error)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					r.ids.GenerateResponseID(),
					runID,
					configID,
					artifact.RunLabel,
					promptID,
					modelID,
					responseText,
					hasError,
				)
				if err != nil {
					return fmt.Errorf("failed to index response %s/%s: %w", promptID, modelID, err)
				}
			}
		}

		return nil
	})
}

// IndexResponseEmbedding attaches an embedding to the most recently
// indexed row for the given cell. Returns pgx.ErrNoRows when the cell
// was never indexed.
func (r *RunIndexRepository) IndexResponseEmbedding(ctx context.Context, configID, runLabel, promptID, modelID string, embedding []float32) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	vec := vectorPtr(embedding)
	if vec == nil {
		return errors.New("embedding cannot be empty")
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE rubric_responses
		SET embedding = $5
		WHERE id = (
			SELECT resp.id
			FROM rubric_responses resp
			JOIN rubric_runs runs ON runs.id = resp.run_id
			WHERE resp.config_id = $1 AND resp.run_label = $2
			  AND resp.prompt_id = $3 AND resp.model_id = $4
			ORDER BY runs.created_at DESC
			LIMIT 1
		)`,
		configID, runLabel, promptID, modelID, vec)
	if err != nil {
		return fmt.Errorf("failed to index embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRuns returns the indexed runs for a config, newest first.
func (r *RunIndexRepository) ListRuns(ctx context.Context, configID string) ([]ports.RunSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT run_label, run_timestamp, file_name, created_at
		FROM rubric_runs
		WHERE config_id = $1
		ORDER BY created_at DESC`

	rows, err := r.conn(ctx).Query(ctx, query, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ports.RunSummary
	for rows.Next() {
		var s ports.RunSummary
		if err := rows.Scan(&s.RunLabel, &s.Timestamp, &s.FileName, &s.SavedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// SimilarResponses returns the indexed responses nearest to the given
// embedding by cosine distance.
func (r *RunIndexRepository) SimilarResponses(ctx context.Context, embedding []float32, limit int) ([]ports.IndexedResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if len(embedding) == 0 {
		return nil, errors.New("embedding cannot be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	vector := pgvector.NewVector(embedding)

	query := `
		SELECT id, config_id, run_label, prompt_id, model_id, embedding <=> $1 AS distance
		FROM rubric_responses
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := r.conn(ctx).Query(ctx, query, vector, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ports.IndexedResponse
	for rows.Next() {
		var hit ports.IndexedResponse
		if err := rows.Scan(&hit.ResponseID, &hit.ConfigID, &hit.RunLabel, &hit.PromptID, &hit.ModelID, &hit.Distance); err != nil {
			return nil, err
		}
		results = append(results, hit)
	}

	return results, rows.Err()
}

var _ ports.RunIndex = (*RunIndexRepository)(nil)
