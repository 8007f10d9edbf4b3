// Package metrics exposes prometheus instrumentation for the scraping loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the pipeline and scheduler report into.
type Metrics struct {
	registry *prometheus.Registry

	PipelineRuns    *prometheus.CounterVec
	StageFailures   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ActiveGalleries prometheus.Gauge
	ItemsPartition  *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazer_pipeline_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazer_stage_failures_total",
			Help: "Contained per-item and per-marketplace failures by stage.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gazer_stage_duration_seconds",
			Help:    "Wall-clock duration per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		ActiveGalleries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gazer_active_galleries",
			Help: "Galleries currently registered with the scheduler.",
		}),
		ItemsPartition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazer_items_partitioned_total",
			Help: "Items by final partition.",
		}, []string{"partition"}),
	}

	registry.MustRegister(
		m.PipelineRuns,
		m.StageFailures,
		m.StageDuration,
		m.ActiveGalleries,
		m.ItemsPartition,
	)
	return m
}

// Handler serves the prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop returns a Metrics instance wired to a throwaway registry.
func Nop() *Metrics {
	return New()
}
