package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/longregen/rubric/internal/adapters/cache"
	"github.com/longregen/rubric/internal/adapters/metrics"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// embedPromptParallelism bounds concurrent per-prompt embedding calls.
const embedPromptParallelism = 4

// EmbeddingEvaluation is the C6 output: pairwise cosine similarity per
// prompt and averaged across prompts.
type EmbeddingEvaluation struct {
	Overall   models.SimilarityMatrix
	PerPrompt map[string]models.SimilarityMatrix
}

// SimilarityService embeds every cell response plus the ideal
// reference and reduces them to similarity matrices.
type SimilarityService struct {
	embedder ports.EmbeddingClient
	store    ports.CacheStore
	fallback string
	logger   *slog.Logger
}

// SimilarityOption configures optional service behavior.
type SimilarityOption func(*SimilarityService)

// WithEmbeddingCache memoizes vectors keyed by model and text.
func WithEmbeddingCache(store ports.CacheStore) SimilarityOption {
	return func(s *SimilarityService) { s.store = store }
}

// NewSimilarityService wires the embedding evaluator. fallbackModel
// applies when the blueprint names no embedding model.
func NewSimilarityService(embedder ports.EmbeddingClient, fallbackModel string, opts ...SimilarityOption) *SimilarityService {
	s := &SimilarityService{
		embedder: embedder,
		fallback: fallbackModel,
		logger:   slog.With("component", "similarity"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// embeddingKey is the cache identity of one embedded text.
type embeddingKey struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

// Evaluate builds the per-prompt and overall similarity matrices for
// every non-errored cell. It aborts only when every comparable pair
// comes out undefined, which means the embedding signal is gone
// entirely; isolated undefined pairs are recorded as nil and logged.
func (s *SimilarityService) Evaluate(ctx context.Context, bp *models.Blueprint, responses models.ResponseMap) (*EmbeddingEvaluation, error) {
	model := bp.EmbeddingModel
	if model == "" {
		model = s.fallback
	}

	perPrompt := make(map[string]models.SimilarityMatrix, len(bp.Prompts))
	var mu sync.Mutex
	var attempted, defined int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedPromptParallelism)
	for i := range bp.Prompts {
		p := &bp.Prompts[i]
		g.Go(func() error {
			ids, texts := embeddableCells(responses[p.ID])
			if len(ids) < 2 {
				return nil
			}
			vectors, err := s.embedAll(gctx, model, texts)
			if err != nil {
				return fmt.Errorf("embed responses for prompt %s: %w", p.ID, err)
			}
			matrix, pairs, valid := pairwiseMatrix(ids, vectors)
			mu.Lock()
			perPrompt[p.ID] = matrix
			attempted += pairs
			defined += valid
			mu.Unlock()
			if valid < pairs {
				s.logger.Warn("undefined similarities",
					"promptId", p.ID, "pairs", pairs, "undefined", pairs-valid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if attempted > 0 && defined == 0 {
		return nil, &models.PipelineError{
			Kind:    models.ErrorKindEmbeddingFail,
			Message: "every response pair produced an undefined similarity",
		}
	}

	return &EmbeddingEvaluation{
		Overall:   averageMatrices(perPrompt),
		PerPrompt: perPrompt,
	}, nil
}

// embeddableCells lists the cells of one prompt worth embedding, in a
// stable order. Errored cells are excluded; the ideal pseudo-cell
// rides along like any other.
func embeddableCells(cells map[string]*models.ModelResponseDetail) ([]string, []string) {
	ids := make([]string, 0, len(cells))
	for id, d := range cells {
		if d == nil || d.HasError {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	texts := make([]string, len(ids))
	for i, id := range ids {
		texts[i] = cells[id].FinalAssistantResponseText
	}
	return ids, texts
}

// embedAll resolves vectors for texts, serving cached entries and
// batching the rest into one client call.
func (s *SimilarityService) embedAll(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if s.store == nil {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
			continue
		}
		key, err := cache.Key(embeddingKey{Model: model, Text: text})
		if err == nil {
			var vec []float32
			hit, getErr := cache.GetInto(ctx, s.store, cache.NamespaceEmbeddings, key, &vec)
			if getErr != nil {
				s.logger.Warn("embedding cache read failed", "error", getErr)
			}
			if hit {
				metrics.CacheOpsTotal.WithLabelValues(cache.NamespaceEmbeddings, "hit").Inc()
				out[i] = vec
				continue
			}
			metrics.CacheOpsTotal.WithLabelValues(cache.NamespaceEmbeddings, "miss").Inc()
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	start := time.Now()
	vectors, err := s.embedder.Embed(ctx, model, missTexts)
	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, &models.PipelineError{
			Kind:    models.ErrorKindFormat,
			Message: fmt.Sprintf("embedding client returned %d vectors for %d texts", len(vectors), len(missTexts)),
		}
	}
	for j, i := range missIdx {
		out[i] = vectors[j]
		if s.store != nil {
			key, err := cache.Key(embeddingKey{Model: model, Text: missTexts[j]})
			if err != nil {
				continue
			}
			if err := cache.Put(ctx, s.store, cache.NamespaceEmbeddings, key, vectors[j]); err != nil {
				s.logger.Warn("embedding cache write failed", "error", err)
			}
		}
	}
	return out, nil
}

// pairwiseMatrix builds the symmetric similarity matrix over ids. It
// returns the matrix plus how many distinct non-self pairs were
// attempted and how many came out defined.
func pairwiseMatrix(ids []string, vectors [][]float32) (models.SimilarityMatrix, int, int) {
	matrix := make(models.SimilarityMatrix, len(ids))
	for _, id := range ids {
		matrix[id] = make(map[string]*float64, len(ids))
		one := 1.0
		matrix[id][id] = &one
	}
	attempted, defined := 0, 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			attempted++
			sim := cosine(vectors[i], vectors[j])
			if math.IsNaN(sim) {
				matrix[ids[i]][ids[j]] = nil
				matrix[ids[j]][ids[i]] = nil
				continue
			}
			defined++
			v1, v2 := sim, sim
			matrix[ids[i]][ids[j]] = &v1
			matrix[ids[j]][ids[i]] = &v2
		}
	}
	return matrix, attempted, defined
}

// averageMatrices folds per-prompt matrices into one cross-prompt
// matrix by averaging each pair over the prompts where it is defined.
func averageMatrices(perPrompt map[string]models.SimilarityMatrix) models.SimilarityMatrix {
	type acc struct {
		sum float64
		n   int
	}
	sums := make(map[string]map[string]*acc)
	for _, matrix := range perPrompt {
		for a, row := range matrix {
			for b, sim := range row {
				if sim == nil {
					continue
				}
				inner, ok := sums[a]
				if !ok {
					inner = make(map[string]*acc)
					sums[a] = inner
				}
				cell, ok := inner[b]
				if !ok {
					cell = &acc{}
					inner[b] = cell
				}
				cell.sum += *sim
				cell.n++
			}
		}
	}
	overall := make(models.SimilarityMatrix, len(sums))
	for a, inner := range sums {
		overall[a] = make(map[string]*float64, len(inner))
		for b, cell := range inner {
			mean := cell.sum / float64(cell.n)
			overall[a][b] = &mean
		}
	}
	return overall
}

// cosine returns the cosine similarity of two vectors, NaN when either
// is empty, zero-length or zero-norm.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
