package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rubric_generations_total",
		Help: "Total generation calls by provider and outcome",
	}, []string{"provider", "status"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rubric_generation_duration_seconds",
		Help:    "Generation call duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	CellErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rubric_cell_errors_total",
		Help: "Cohort cells that ended in an error, by kind",
	}, []string{"kind"})

	CacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rubric_cache_ops_total",
		Help: "Cache operations by namespace and outcome",
	}, []string{"namespace", "result"})

	JudgeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rubric_judge_calls_total",
		Help: "Judge model invocations by model and outcome",
	}, []string{"model", "status"})

	JudgeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rubric_judge_duration_seconds",
		Help:    "Judge call duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rubric_embedding_duration_seconds",
		Help:    "Embedding call duration",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	LimiterCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rubric_limiter_capacity",
		Help: "Current adaptive concurrency per provider",
	}, []string{"provider"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rubric_breaker_open",
		Help: "Whether the per-model circuit breaker is open (1) or closed (0)",
	}, []string{"model"})

	ArtifactsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rubric_artifacts_written_total",
		Help: "Run artifacts persisted",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rubric_http_requests_total",
		Help: "Total number of HTTP requests served",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rubric_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
