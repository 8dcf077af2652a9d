package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for the rubric pipeline and server.
type Config struct {
	Storage    StorageConfig    `json:"storage"`
	Cache      CacheConfig      `json:"cache"`
	Judge      JudgeConfig      `json:"judge"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Generation GenerationConfig `json:"generation"`
	Limiters   LimiterConfig    `json:"limiters"`
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Tracing    TracingConfig    `json:"tracing"`
}

// StorageConfig locates the artifact keyspace root.
type StorageConfig struct {
	ResultsDir string `json:"results_dir"`
}

// CacheConfig controls the content-addressed cache.
type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
	MaxMB   int64  `json:"max_mb"`
}

// JudgeConfig supplies the coverage evaluator's defaults when a
// blueprint brings no evaluationConfig of its own.
type JudgeConfig struct {
	Models []string `json:"models"`
	Mode   string   `json:"mode"` // "failover" or "consensus"
}

// EmbeddingConfig names the default embedding model.
type EmbeddingConfig struct {
	Model string `json:"model"`
}

// GenerationConfig bounds the generation service.
type GenerationConfig struct {
	Concurrency int `json:"concurrency"`
	TimeoutMs   int `json:"timeout_ms"`
	MaxRetries  int `json:"max_retries"`
}

// LimiterProfile mirrors one provider's rate-limiter bounds. The cmd
// layer maps these onto the limiter registry.
type LimiterProfile struct {
	Initial  int  `json:"initial"`
	Min      int  `json:"min"`
	Max      int  `json:"max"`
	Adaptive bool `json:"adaptive"`
}

// LimiterConfig holds the fallback profile and per-provider overrides.
type LimiterConfig struct {
	Default   LimiterProfile            `json:"default"`
	Providers map[string]LimiterProfile `json:"providers,omitempty"`
}

// DatabaseConfig holds the optional run-index connection.
type DatabaseConfig struct {
	PostgresURL string `json:"postgres_url"`
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
}

// TracingConfig toggles the stdout trace exporter.
type TracingConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".rubric")

	return &Config{
		Storage: StorageConfig{
			ResultsDir: filepath.Join(dataDir, "results"),
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     filepath.Join(dataDir, "cache"),
			MaxMB:   512,
		},
		Judge: JudgeConfig{
			Models: []string{"openai:gpt-4o-mini", "anthropic:claude-3-5-haiku-latest"},
			Mode:   "failover",
		},
		Embedding: EmbeddingConfig{
			Model: "openai:text-embedding-3-small",
		},
		Generation: GenerationConfig{
			Concurrency: 10,
			TimeoutMs:   30_000,
			MaxRetries:  3,
		},
		Limiters: LimiterConfig{
			Default: LimiterProfile{Initial: 5, Min: 1, Max: 20, Adaptive: true},
		},
		Database: DatabaseConfig{
			PostgresURL: "",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envInt64 loads a 64-bit integer environment variable into the target pointer if set and valid
func envInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = i
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from environment variables and config file.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	envString("RUBRIC_RESULTS_DIR", &cfg.Storage.ResultsDir)

	envBool("RUBRIC_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("RUBRIC_CACHE_DIR", &cfg.Cache.Dir)
	envInt64("RUBRIC_CACHE_MAX_MB", &cfg.Cache.MaxMB)

	envStringSlice("RUBRIC_JUDGE_MODELS", &cfg.Judge.Models)
	envString("RUBRIC_JUDGE_MODE", &cfg.Judge.Mode)

	envString("RUBRIC_EMBEDDING_MODEL", &cfg.Embedding.Model)

	envInt("RUBRIC_CONCURRENCY", &cfg.Generation.Concurrency)
	envInt("RUBRIC_TIMEOUT_MS", &cfg.Generation.TimeoutMs)
	envInt("RUBRIC_MAX_RETRIES", &cfg.Generation.MaxRetries)

	envString("RUBRIC_POSTGRES_URL", &cfg.Database.PostgresURL)

	envString("RUBRIC_SERVER_HOST", &cfg.Server.Host)
	envInt("RUBRIC_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("RUBRIC_CORS_ORIGINS", &cfg.Server.CORSOrigins)

	envBool("RUBRIC_TRACING_ENABLED", &cfg.Tracing.Enabled)

	if err := os.MkdirAll(cfg.Storage.ResultsDir, 0755); err != nil {
		return nil, err
	}
	if cfg.Cache.Enabled {
		if err := os.MkdirAll(cfg.Cache.Dir, 0755); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// CachePath returns the cache database file location.
func (c *Config) CachePath() string {
	return filepath.Join(c.Cache.Dir, "rubric-cache.db")
}

// HasRunIndex reports whether the optional postgres run index is
// configured.
func (c *Config) HasRunIndex() bool {
	return c.Database.PostgresURL != ""
}

// ProfileFor returns the limiter profile of one provider, falling back
// to the default profile.
func (c *Config) ProfileFor(provider string) LimiterProfile {
	if p, ok := c.Limiters.Providers[provider]; ok {
		return p
	}
	return c.Limiters.Default
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func validateProfile(name string, p LimiterProfile, errs *[]string) {
	if p.Min < 1 {
		*errs = append(*errs, fmt.Sprintf("limiter %s: min must be at least 1", name))
	}
	if p.Max < p.Min {
		*errs = append(*errs, fmt.Sprintf("limiter %s: max must be >= min", name))
	}
	if p.Initial < p.Min || p.Initial > p.Max {
		*errs = append(*errs, fmt.Sprintf("limiter %s: initial must be within [min, max]", name))
	}
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Judge.Mode != "failover" && c.Judge.Mode != "consensus" {
		errs = append(errs, "judge mode must be 'failover' or 'consensus'")
	}

	if c.Generation.Concurrency < 1 {
		errs = append(errs, "generation concurrency must be at least 1")
	}
	if c.Generation.TimeoutMs < 1 {
		errs = append(errs, "generation timeout_ms must be positive")
	}
	if c.Generation.MaxRetries < 0 {
		errs = append(errs, "generation max_retries must not be negative")
	}

	if c.Cache.MaxMB < 0 {
		errs = append(errs, "cache max_mb must not be negative")
	}

	validateProfile("default", c.Limiters.Default, &errs)
	for name, p := range c.Limiters.Providers {
		validateProfile(name, p, &errs)
	}

	if c.Database.PostgresURL != "" && !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "PostgreSQL URL must be a valid URL")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("RUBRIC_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	// Check ~/.config/rubric/config.json first
	configDir := filepath.Join(homeDir, ".config", "rubric")
	configPath := filepath.Join(configDir, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	// Check ~/.rubric/config.json
	altPath := filepath.Join(homeDir, ".rubric", "config.json")
	if _, err := os.Stat(altPath); err == nil {
		return altPath
	}

	return configPath
}
