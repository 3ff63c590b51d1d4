package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "supertask_claims_total", Help: "Jobs claimed for dispatch"})
	ClaimErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "supertask_claim_errors_total", Help: "Failed claim_due calls"})
	Executions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "supertask_executions_total", Help: "Execution records by outcome"}, []string{"outcome"})
	ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "supertask_execution_duration_seconds", Help: "Executor run time", Buckets: prometheus.ExponentialBuckets(0.01, 4, 10)})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "supertask_inflight", Help: "Executions currently running"})
	ReconcileActions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "supertask_reconcile_actions_total", Help: "Seed reconciliation results by action"}, []string{"action"})
	ReconcileErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "supertask_reconcile_errors_total", Help: "Seed passes that failed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "supertask_rate_limit_rejects_total", Help: "API mutations rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimCounter,
			ClaimErrors,
			Executions,
			ExecutionDuration,
			InFlightGauge,
			ReconcileActions,
			ReconcileErrors,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
