package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExecutionsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_executions_enqueued_total", Help: "Total enqueued agent executions"})
	InferenceEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_inference_enqueued_total", Help: "Total enqueued inference tasks"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_completed_total", Help: "Jobs finalized COMPLETED"}, []string{"queue"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_failed_total", Help: "Jobs finalized FAILED"}, []string{"queue"})
	JobsCanceled  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_canceled_total", Help: "Jobs finalized CANCELED"}, []string{"queue"})

	QueueDepth    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_queue_depth", Help: "PENDING rows per queue"}, []string{"queue"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_inflight", Help: "Jobs currently leased"})

	TokensStreamed = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tokens_streamed_total", Help: "Inference tokens streamed to subscribers"})
)

// Queue label values.
const (
	QueueExecutions = "executions"
	QueueInference  = "inference"
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExecutionsEnqueued,
			InferenceEnqueued,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsCanceled,
			QueueDepth,
			InFlightGauge,
			TokensStreamed,
		)
	})
	return promhttp.Handler()
}
