package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/rubric/internal/adapters/id"
	"github.com/longregen/rubric/internal/domain/models"
)

func testRepo() *RunIndexRepository {
	return &RunIndexRepository{
		BaseRepository: BaseRepository{pool: nil},
		tm:             NewTransactionManager(nil),
		ids:            id.New(),
	}
}

func testArtifact() *models.RunArtifact {
	return &models.RunArtifact{
		ConfigID:        "cfg-demo",
		ConfigTitle:     "Demo",
		RunLabel:        "deadbeefdeadbeef",
		Timestamp:       "2025-01-02T03-04-05-000Z",
		EffectiveModels: []string{models.IdealModelID, "openai:gpt-4o-mini[temp:0.0]"},
		PromptIDs:       []string{"p1", "p2"},
		AllFinalAssistantResponses: map[string]map[string]string{
			"p1": {
				models.IdealModelID:            "ideal answer",
				"openai:gpt-4o-mini[temp:0.0]": "model answer",
			},
			"p2": {
				"openai:gpt-4o-mini[temp:0.0]": "",
			},
		},
		Errors: map[string]map[string]string{
			"p2": {
				"openai:gpt-4o-mini[temp:0.0]": "timeout after 30000ms",
			},
		},
	}
}

func TestRunIndexRepository_IndexRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()
	artifact := testArtifact()

	mock.ExpectExec("INSERT INTO rubric_runs").
		WithArgs(pgxmock.AnyArg(), "cfg-demo", artifact.RunLabel, artifact.Timestamp,
			artifact.FileName(), "Demo", 2, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	// p1 has an ideal and a model answer, p2 only an errored model
	// cell; the missing p2 ideal produces no row.
	mock.ExpectExec("INSERT INTO rubric_responses").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "cfg-demo", artifact.RunLabel,
			"p1", models.IdealModelID, "ideal answer", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO rubric_responses").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "cfg-demo", artifact.RunLabel,
			"p1", "openai:gpt-4o-mini[temp:0.0]", "model answer", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO rubric_responses").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "cfg-demo", artifact.RunLabel,
			"p2", "openai:gpt-4o-mini[temp:0.0]", "", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := setupMockContext(mock)
	require.NoError(t, repo.IndexRun(ctx, "cfg-demo", artifact))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_IndexRun_AlreadyIndexed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()
	artifact := testArtifact()

	mock.ExpectExec("INSERT INTO rubric_runs").
		WithArgs(pgxmock.AnyArg(), "cfg-demo", artifact.RunLabel, artifact.Timestamp,
			artifact.FileName(), "Demo", 2, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := setupMockContext(mock)
	require.NoError(t, repo.IndexRun(ctx, "cfg-demo", artifact),
		"re-indexing an already indexed run should be a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_IndexResponseEmbedding(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()

	mock.ExpectExec("UPDATE rubric_responses").
		WithArgs("cfg-demo", "deadbeefdeadbeef", "p1", "openai:gpt-4o-mini[temp:0.0]", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	err = repo.IndexResponseEmbedding(ctx, "cfg-demo", "deadbeefdeadbeef", "p1",
		"openai:gpt-4o-mini[temp:0.0]", []float32{0.1, 0.2, 0.3})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_IndexResponseEmbedding_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()

	mock.ExpectExec("UPDATE rubric_responses").
		WithArgs("cfg-demo", "deadbeefdeadbeef", "p9", "m9", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := setupMockContext(mock)
	err = repo.IndexResponseEmbedding(ctx, "cfg-demo", "deadbeefdeadbeef", "p9", "m9",
		[]float32{0.1})
	assert.ErrorIs(t, err, pgx.ErrNoRows, "updating an unindexed response should report ErrNoRows")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_IndexResponseEmbedding_Empty(t *testing.T) {
	repo := testRepo()

	err := repo.IndexResponseEmbedding(context.Background(), "cfg", "lbl", "p1", "m1", nil)
	assert.Error(t, err, "empty embeddings must be rejected before touching the pool")
}

func TestRunIndexRepository_ListRuns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()
	now := time.Now()

	rows := pgxmock.NewRows([]string{"run_label", "run_timestamp", "file_name", "created_at"}).
		AddRow("labelb", "2025-01-02T00-00-00-000Z", "labelb_2025-01-02T00-00-00-000Z_comparison.json", now).
		AddRow("labela", "2025-01-01T00-00-00-000Z", "labela_2025-01-01T00-00-00-000Z_comparison.json", now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM rubric_runs").
		WithArgs("cfg-demo").
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	summaries, err := repo.ListRuns(ctx, "cfg-demo")
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, "labelb", summaries[0].RunLabel, "newest run should come first")
	assert.Equal(t, "labela_2025-01-01T00-00-00-000Z_comparison.json", summaries[1].FileName)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_SimilarResponses(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()

	rows := pgxmock.NewRows([]string{"id", "config_id", "run_label", "prompt_id", "model_id", "distance"}).
		AddRow("resp_1", "cfg-demo", "labela", "p1", "m1", 0.08).
		AddRow("resp_2", "cfg-demo", "labelb", "p2", "m2", 0.31)

	mock.ExpectQuery("SELECT (.+) FROM rubric_responses").
		WithArgs(pgxmock.AnyArg(), 5).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	hits, err := repo.SimilarResponses(ctx, []float32{0.1, 0.2}, 5)
	require.NoError(t, err)

	require.Len(t, hits, 2)
	assert.Equal(t, "resp_1", hits[0].ResponseID)
	assert.Equal(t, 0.08, hits[0].Distance)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_SimilarResponses_DefaultLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := testRepo()

	rows := pgxmock.NewRows([]string{"id", "config_id", "run_label", "prompt_id", "model_id", "distance"})

	mock.ExpectQuery("SELECT (.+) FROM rubric_responses").
		WithArgs(pgxmock.AnyArg(), 10).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	hits, err := repo.SimilarResponses(ctx, []float32{0.1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIndexRepository_SimilarResponses_EmptyEmbedding(t *testing.T) {
	repo := testRepo()

	_, err := repo.SimilarResponses(context.Background(), nil, 5)
	assert.Error(t, err, "empty embeddings must be rejected before touching the pool")
}

func TestGetTx_NoTransaction(t *testing.T) {
	assert.Nil(t, GetTx(context.Background()), "empty context carries no transaction")
}
