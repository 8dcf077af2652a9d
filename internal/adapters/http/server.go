// Package http serves the read-only results API used by the serve
// subcommand: config listings, run listings, comparison documents and
// per-cell artefacts, plus health and Prometheus metrics.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/longregen/rubric/internal/adapters/http/handlers"
	"github.com/longregen/rubric/internal/adapters/http/middleware"
	"github.com/longregen/rubric/internal/config"
	"github.com/longregen/rubric/internal/ports"
)

// Server exposes persisted runs over HTTP. The run index and embedder
// are optional; the similarity search route mounts only when both are
// present.
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	store      ports.ResultStore
	index      ports.RunIndex
	embedder   ports.EmbeddingClient
	version    string
}

func NewServer(
	cfg *config.Config,
	store ports.ResultStore,
	index ports.RunIndex,
	embedder ports.EmbeddingClient,
	version string,
) *Server {
	s := &Server{
		config:   cfg,
		store:    store,
		index:    index,
		embedder: embedder,
		version:  version,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandler(s.version)
	r.Get("/healthz", healthHandler.Handle)
	r.Handle("/metrics", promhttp.Handler())

	resultsHandler := handlers.NewResultsHandler(s.store)
	r.Route("/api", func(r chi.Router) {
		r.Get("/configs", resultsHandler.ListConfigs)
		r.Get("/configs/{configId}/runs", resultsHandler.ListRuns)
		r.Get("/configs/{configId}/runs/{fileName}", resultsHandler.GetRun)
		r.Get("/configs/{configId}/runs/{runLabel}/{timestamp}/responses/{promptId}/{modelId}", resultsHandler.GetResponse)
		r.Get("/configs/{configId}/runs/{runLabel}/{timestamp}/coverage/{promptId}/{modelId}", resultsHandler.GetCoverage)

		if s.index != nil && s.embedder != nil {
			similarHandler := handlers.NewSimilarHandler(s.index, s.embedder, s.config.Embedding.Model)
			r.Post("/similar", similarHandler.Search)
		}
	})

	s.router = r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting http server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	slog.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
