// Package telemetry exposes the Prometheus instrumentation for the
// pipeline: run outcomes, phase latencies, data quality and rule output.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all pipeline collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal           *prometheus.CounterVec
	PhaseDuration       *prometheus.HistogramVec
	DroppedRowsTotal    prometheus.Counter
	RulesGeneratedTotal *prometheus.CounterVec
	PendingChanges      prometheus.Gauge
	RecommendationScore prometheus.Gauge
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farecast",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farecast",
			Name:      "pipeline_phase_duration_seconds",
			Help:      "Wall time per pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"phase"}),
		DroppedRowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farecast",
			Name:      "forecast_dropped_rows_total",
			Help:      "Malformed historical ride rows dropped during cleaning.",
		}),
		RulesGeneratedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farecast",
			Name:      "rules_generated_total",
			Help:      "Pricing rules emitted per generation category.",
		}, []string{"category"}),
		PendingChanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "farecast",
			Name:      "pending_collection_changes",
			Help:      "Collections with unprocessed changes since the last run.",
		}),
		RecommendationScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "farecast",
			Name:      "top_recommendation_score",
			Help:      "Score of the highest ranked recommendation from the last run.",
		}),
	}
}

// Registry exposes the underlying registry for the metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
