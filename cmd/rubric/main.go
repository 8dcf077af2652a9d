package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/longregen/rubric/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rubric",
		Short: "Rubric - LLM comparison pipeline CLI",
		Long: `Rubric runs declarative model comparisons: a blueprint names the
prompts, models and grading criteria, and rubric fans the cohort out,
evaluates every answer and persists one self-contained run artifact.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		runCmd(),
		cloneCmd(),
		listCmd(),
		showCmd(),
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Storage:")
			fmt.Printf("  Results Dir: %s\n", cfg.Storage.ResultsDir)
			fmt.Println()

			fmt.Println("Cache:")
			fmt.Printf("  Enabled: %t\n", cfg.Cache.Enabled)
			fmt.Printf("  Dir:     %s\n", cfg.Cache.Dir)
			fmt.Printf("  Max MB:  %d\n", cfg.Cache.MaxMB)
			fmt.Println()

			fmt.Println("Judge:")
			fmt.Printf("  Models: %s\n", strings.Join(cfg.Judge.Models, ", "))
			fmt.Printf("  Mode:   %s\n", cfg.Judge.Mode)
			fmt.Println()

			fmt.Println("Embedding:")
			fmt.Printf("  Model: %s\n", cfg.Embedding.Model)
			fmt.Println()

			fmt.Println("Generation:")
			fmt.Printf("  Concurrency:  %d\n", cfg.Generation.Concurrency)
			fmt.Printf("  Timeout (ms): %d\n", cfg.Generation.TimeoutMs)
			fmt.Printf("  Max Retries:  %d\n", cfg.Generation.MaxRetries)
			fmt.Println()

			fmt.Println("Rate Limiters:")
			d := cfg.Limiters.Default
			fmt.Printf("  default: initial=%d min=%d max=%d adaptive=%t\n", d.Initial, d.Min, d.Max, d.Adaptive)
			for provider, p := range cfg.Limiters.Providers {
				fmt.Printf("  %s: initial=%d min=%d max=%d adaptive=%t\n", provider, p.Initial, p.Min, p.Max, p.Adaptive)
			}
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL: %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Printf("  Run Index:  %s\n", boolStatus(cfg.HasRunIndex()))
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Host: %s\n", cfg.Server.Host)
			fmt.Printf("  Port: %d\n", cfg.Server.Port)
			fmt.Printf("  CORS: %s\n", strings.Join(cfg.Server.CORSOrigins, ", "))
			fmt.Println()

			fmt.Println("Tracing:")
			fmt.Printf("  Enabled: %t\n", cfg.Tracing.Enabled)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  RUBRIC_RESULTS_DIR")
			fmt.Println("  RUBRIC_CACHE_ENABLED, RUBRIC_CACHE_DIR, RUBRIC_CACHE_MAX_MB")
			fmt.Println("  RUBRIC_JUDGE_MODELS, RUBRIC_JUDGE_MODE")
			fmt.Println("  RUBRIC_EMBEDDING_MODEL")
			fmt.Println("  RUBRIC_CONCURRENCY, RUBRIC_TIMEOUT_MS, RUBRIC_MAX_RETRIES")
			fmt.Println("  RUBRIC_POSTGRES_URL")
			fmt.Println("  RUBRIC_SERVER_HOST, RUBRIC_SERVER_PORT, RUBRIC_CORS_ORIGINS")
			fmt.Println("  RUBRIC_TRACING_ENABLED")
			fmt.Println("  Provider credentials: OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, ...")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rubric %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
