// Package telemetry holds the Prometheus instruments for the ingestion
// pipeline. The metric names are contractual: dashboards and alerts scrape
// them by name, so a rename here is a breaking change.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates every instrument the pipeline emits.
type Metrics struct {
	registry *prometheus.Registry

	RowsProcessed   *prometheus.CounterVec // etl_rows_processed_total{source}
	Errors          *prometheus.CounterVec // etl_errors_total{source,type}
	StageLatency    *prometheus.HistogramVec
	ThrottleEvents  *prometheus.CounterVec
	RetryLatency    *prometheus.HistogramVec
	TokensRemaining *prometheus.GaugeVec
	QuotaPerMinute  *prometheus.GaugeVec
	OutlierDetected *prometheus.CounterVec
}

// NewMetrics builds and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RowsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_rows_processed_total",
				Help: "Total rows successfully written by the pipeline",
			},
			[]string{"source"},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_errors_total",
				Help: "Total pipeline errors by source and error type",
			},
			[]string{"source", "type"},
		),

		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_latency_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),

		ThrottleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_events_total",
				Help: "Total admissions denied by the per-source token bucket",
			},
			[]string{"source"},
		),

		RetryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retry_latency_seconds",
				Help:    "Time spent sleeping on throttled acquires",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"source"},
		),

		TokensRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tokens_remaining",
				Help: "Tokens currently available in the source bucket",
			},
			[]string{"source"},
		),

		QuotaPerMinute: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quota_requests_per_minute",
				Help: "Configured request quota per minute per source",
			},
			[]string{"source"},
		),

		OutlierDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outlier_detected_total",
				Help: "Price outliers observed on the load path",
			},
			[]string{"field", "type", "symbol"},
		),
	}

	m.registry.MustRegister(
		m.RowsProcessed,
		m.Errors,
		m.StageLatency,
		m.ThrottleEvents,
		m.RetryLatency,
		m.TokensRemaining,
		m.QuotaPerMinute,
		m.OutlierDetected,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// SetQuotas records the configured per-minute quota for each source. Called
// once at startup.
func (m *Metrics) SetQuotas(quotas map[string]int) {
	for source, rpm := range quotas {
		m.QuotaPerMinute.WithLabelValues(source).Set(float64(rpm))
	}
}

// Handler returns the Prometheus text-format exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, used by tests to gather samples.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
