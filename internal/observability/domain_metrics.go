package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_query_attempts_total",
			Help: "Total number of query attempts by terminal status and stage.",
		},
		[]string{"status", "stage"},
	)
	generationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_generation_duration_seconds",
			Help:    "Latency of SQL generation calls to the language model.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)
	executionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_execution_duration_seconds",
			Help:    "Latency of generated SQL executed against target databases.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	creditsChargedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_credits_charged_total",
			Help: "Total number of successful attempts settled against a caller balance, by tier.",
		},
		[]string{"tier"},
	)
	paymentRequiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_payment_required_total",
			Help: "Total number of requests denied for lack of credits.",
		},
	)
	auditWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_audit_write_failures_total",
			Help: "Total number of attempt records that could not be persisted.",
		},
	)
	auditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlagent_audit_queue_depth",
			Help: "Attempt records waiting to be persisted.",
		},
	)
	schemaCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_schema_cache_total",
			Help: "Per-template context cache lookups by result.",
		},
		[]string{"result"},
	)
	archiveRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_archive_runs_total",
			Help: "History archive runs by status.",
		},
		[]string{"status"},
	)
	archivedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_archived_records_total",
			Help: "Total number of attempt records exported to object storage.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		queryAttemptsTotal,
		generationDurationSeconds,
		executionDurationSeconds,
		creditsChargedTotal,
		paymentRequiredTotal,
		auditWriteFailuresTotal,
		auditQueueDepth,
		schemaCacheTotal,
		archiveRunsTotal,
		archivedRecordsTotal,
	)
}

func ObserveAttempt(status, stage string) {
	queryAttemptsTotal.WithLabelValues(status, stage).Inc()
}

func ObserveGeneration(elapsed time.Duration) {
	generationDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveExecution(elapsed time.Duration) {
	executionDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementCreditsCharged(tier string) {
	creditsChargedTotal.WithLabelValues(tier).Inc()
}

func IncrementPaymentRequired() {
	paymentRequiredTotal.Inc()
}

func IncrementAuditWriteFailures() {
	auditWriteFailuresTotal.Inc()
}

func SetAuditQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	auditQueueDepth.Set(float64(depth))
}

func ObserveSchemaCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	schemaCacheTotal.WithLabelValues(result).Inc()
}

func ObserveArchiveRun(status string, records int) {
	archiveRunsTotal.WithLabelValues(status).Inc()
	if records > 0 {
		archivedRecordsTotal.Add(float64(records))
	}
}
