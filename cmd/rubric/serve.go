package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/longregen/rubric/internal/adapters/embedding"
	"github.com/longregen/rubric/internal/adapters/http"
	"github.com/longregen/rubric/internal/adapters/postgres"
	"github.com/longregen/rubric/internal/adapters/storage"
	"github.com/longregen/rubric/internal/adapters/tracing"
	"github.com/longregen/rubric/internal/ports"
	"github.com/spf13/cobra"
)

// serveCmd starts the read-only results API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the results API server",
		Long: `Start the rubric HTTP server: stored runs as a read-only JSON API,
Prometheus metrics, and, when PostgreSQL is configured, response
similarity search over the run index.

Required configuration:
  - Results directory (RUBRIC_RESULTS_DIR)

Optional:
  - Run index (RUBRIC_POSTGRES_URL)
  - Tracing (RUBRIC_TRACING_ENABLED)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the HTTP results server
func runServer(ctx context.Context) error {
	log.Println("Starting rubric results server...")
	log.Printf("  HTTP:    http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  Results: %s", cfg.Storage.ResultsDir)
	log.Printf("  Index:   %s", boolStatus(cfg.HasRunIndex()))
	log.Println()

	if cfg.Tracing.Enabled {
		log.Println("Initializing OpenTelemetry tracing...")
		shutdown, err := tracing.InitTracer("rubric-api")
		if err != nil {
			log.Printf("Warning: Failed to initialize tracing: %v", err)
		} else {
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down tracer: %v", err)
				}
			}()
			log.Println("OpenTelemetry tracing initialized")
		}
	}

	store, err := storage.NewFileStore(cfg.Storage.ResultsDir)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}

	// The run index and the similarity endpoint ride on PostgreSQL;
	// without it the server stays filesystem-only.
	var index ports.RunIndex
	var embedder ports.EmbeddingClient
	if cfg.HasRunIndex() {
		log.Println("Connecting to PostgreSQL...")
		pool, err := initDB(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("failed to prepare run index schema: %w", err)
		}
		index = postgres.NewRunIndexRepository(pool)
		embedder = embedding.NewClient()
		log.Println("Run index ready, similarity search enabled")
	}

	server := http.NewServer(cfg, store, index, embedder, version)

	// Channel to listen for errors from the server
	serverErrors := make(chan error, 1)

	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErrors <- server.Start()
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		log.Println("Server stopped")
		return nil
	}
}
