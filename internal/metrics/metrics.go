// Package metrics exposes Prometheus instrumentation for the aggregation
// engine and HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifiscout_samples_ingested_total",
		Help: "Total measurement samples accepted by the engine",
	})
	SamplesRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifiscout_samples_rejected_total",
		Help: "Total measurement samples rejected by validation",
	})
	AggregateMergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifiscout_aggregate_merges_total",
		Help: "Samples folded into an existing aggregate",
	})
	AggregateCreatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifiscout_aggregate_creates_total",
		Help: "Aggregates created for samples with no nearby match",
	})
	MergeCandidatesScanned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wifiscout_merge_candidates_scanned",
		Help:    "Candidate aggregates distance-checked per merge decision",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
	RollupRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiscout_rollup_runs_total",
		Help: "Zone rollup executions by outcome",
	}, []string{"outcome"})
	RollupQueueDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifiscout_rollup_queue_drops_total",
		Help: "Rollup requests dropped because the queue was full",
	})
	RequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wifiscout_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(SamplesIngestedTotal)
	prometheus.MustRegister(SamplesRejectedTotal)
	prometheus.MustRegister(AggregateMergesTotal)
	prometheus.MustRegister(AggregateCreatesTotal)
	prometheus.MustRegister(MergeCandidatesScanned)
	prometheus.MustRegister(RollupRunsTotal)
	prometheus.MustRegister(RollupQueueDropsTotal)
	prometheus.MustRegister(RequestDurationMs)
}

// Handler returns the /metrics endpoint handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }
