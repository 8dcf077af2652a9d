package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/rubric/internal/adapters/cache"
	"github.com/longregen/rubric/internal/adapters/circuitbreaker"
	"github.com/longregen/rubric/internal/adapters/embedding"
	"github.com/longregen/rubric/internal/adapters/postgres"
	"github.com/longregen/rubric/internal/adapters/ratelimit"
	"github.com/longregen/rubric/internal/adapters/storage"
	"github.com/longregen/rubric/internal/application/services"
	"github.com/longregen/rubric/internal/config"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/llm"
	"github.com/longregen/rubric/internal/points"
	"github.com/longregen/rubric/internal/ports"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Shared global variables
var cfg *config.Config

// initDB initializes a database connection pool for CLI commands
func initDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.PostgresURL == "" {
		return nil, fmt.Errorf("PostgreSQL connection required. Set RUBRIC_POSTGRES_URL")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Force UTC timezone to prevent timezone-related issues with TIMESTAMP columns
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return pool, nil
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// boolStatus returns a status string for a boolean
func boolStatus(b bool) string {
	if b {
		return "configured"
	}
	return "not configured"
}

// runtime bundles the adapters and services one pipeline invocation
// needs, so run and clone assemble the stack the same way.
type runtime struct {
	dispatcher *llm.Dispatcher
	store      *storage.FileStore
	cache      ports.CacheStore
	index      ports.RunIndex
	pool       *pgxpool.Pool
	pipeline   *services.PipelineService
	cloner     *services.CloneService
}

// newRuntime wires the full pipeline from the loaded config: result
// store, optional cache and run index, provider dispatcher, limiters,
// breakers and the evaluation services.
func newRuntime(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, err := storage.NewFileStore(cfg.Storage.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	rt.store = store

	if cfg.Cache.Enabled {
		cacheStore, err := cache.NewSQLiteStore(cfg.CachePath(), cfg.Cache.MaxMB)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		rt.cache = cacheStore
	}

	if cfg.HasRunIndex() {
		pool, err := initDB(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			rt.Close()
			return nil, fmt.Errorf("failed to prepare run index schema: %w", err)
		}
		rt.pool = pool
		rt.index = postgres.NewRunIndexRepository(pool)
	}

	rt.dispatcher = llm.NewDispatcher()

	limiters, err := ratelimit.NewRegistry(limiterProfiles(), limiterProfile(cfg.Limiters.Default))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("invalid limiter configuration: %w", err)
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultMaxFailures)

	genOpts := []services.GenerationOption{
		services.WithGenerationTimeout(time.Duration(cfg.Generation.TimeoutMs) * time.Millisecond),
		services.WithGenerationRetries(cfg.Generation.MaxRetries),
	}
	var judgeOpts []services.JudgeOption
	var simOpts []services.SimilarityOption
	var callerOpts []points.CallerOption
	if rt.cache != nil {
		genOpts = append(genOpts, services.WithGenerationCache(rt.cache, ""))
		judgeOpts = append(judgeOpts, services.WithJudgeCache(rt.cache))
		simOpts = append(simOpts, services.WithEmbeddingCache(rt.cache))
		callerOpts = append(callerOpts, points.WithCallerCache(rt.cache))
	}

	gen := services.NewGenerationService(rt.dispatcher, rt.dispatcher, limiters, breakers, genOpts...)
	judge := services.NewJudgeService(rt.dispatcher, cfg.Judge.Models, models.JudgeMode(cfg.Judge.Mode), judgeOpts...)
	registry := points.NewRegistry(points.WithServiceCaller(points.NewServiceCaller(callerOpts...)))
	coverage := services.NewCoverageService(registry, judge)
	similarity := services.NewSimilarityService(embedding.NewClient(), cfg.Embedding.Model, simOpts...)

	var aggOpts []services.AggregatorOption
	if rt.index != nil {
		aggOpts = append(aggOpts, services.WithRunIndex(rt.index))
	}
	aggregator := services.NewAggregator(store, aggOpts...)

	rt.pipeline = services.NewPipelineService(gen, similarity, coverage, aggregator)
	rt.cloner = services.NewCloneService(store, rt.pipeline)
	return rt, nil
}

// Close releases the runtime's cache and database handles.
func (rt *runtime) Close() {
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			log.Printf("Warning: Failed to close cache: %v", err)
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

// limiterProfiles maps the config's per-provider overrides onto the
// limiter registry's profile type.
func limiterProfiles() map[string]ratelimit.Profile {
	if len(cfg.Limiters.Providers) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Profile, len(cfg.Limiters.Providers))
	for provider, p := range cfg.Limiters.Providers {
		out[provider] = limiterProfile(p)
	}
	return out
}

func limiterProfile(p config.LimiterProfile) ratelimit.Profile {
	return ratelimit.Profile{
		Initial:         p.Initial,
		Min:             p.Min,
		Max:             p.Max,
		AdaptiveEnabled: p.Adaptive,
	}
}

// loadBlueprint reads and decodes a blueprint document.
func loadBlueprint(path string) (*models.Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blueprint %s: %w", path, err)
	}
	var bp models.Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint %s: %w", path, err)
	}
	return &bp, nil
}

// registerCustomModels installs the blueprint's inline model
// definitions into the dispatcher before any cell is generated.
func registerCustomModels(d *llm.Dispatcher, bp *models.Blueprint) error {
	var defs []models.CustomModelDefinition
	for _, m := range bp.Models {
		if m.Custom != nil {
			defs = append(defs, *m.Custom)
		}
	}
	if len(defs) == 0 {
		return nil
	}
	return d.RegisterCustomModels(defs)
}

// printArtifactSummary reports where a finished run landed and how its
// cells fared.
func printArtifactSummary(a *models.RunArtifact) {
	fmt.Printf("Run complete: %s\n", a.ConfigTitle)
	fmt.Printf("  Config:    %s\n", a.ConfigID)
	fmt.Printf("  Run label: %s\n", a.RunLabel)
	fmt.Printf("  Timestamp: %s\n", a.Timestamp)
	fmt.Printf("  Artifact:  %s\n", a.FileName())
	fmt.Printf("  Prompts:   %d\n", len(a.PromptIDs))
	fmt.Printf("  Models:    %d\n", len(a.EffectiveModels))
	if len(a.EvalMethods) > 0 {
		methods := make([]string, len(a.EvalMethods))
		for i, m := range a.EvalMethods {
			methods[i] = string(m)
		}
		fmt.Printf("  Methods:   %s\n", strings.Join(methods, ", "))
	}
	if n := countCellErrors(a); n > 0 {
		fmt.Printf("  Errors:    %d cell(s) failed, see the artifact's errors section\n", n)
	}
}

func countCellErrors(a *models.RunArtifact) int {
	n := 0
	for _, perModel := range a.Errors {
		n += len(perModel)
	}
	return n
}
