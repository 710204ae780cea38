// Package metrics turns scheduler events into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/specialistvlad/smelter/internal/events"
)

// Metrics owns a private registry so that tests and multiple App instances
// never collide on the global one. It is an events.Sink.
type Metrics struct {
	registry *prometheus.Registry

	formulas      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	running       prometheus.Gauge
	uninstalls    prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		formulas: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smelter_formulas_total",
				Help: "Formulas processed, by final status.",
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smelter_stage_duration_seconds",
				Help:    "Time spent per stage of a formula install.",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stage"},
		),
		stageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smelter_stage_errors_total",
				Help: "Failed fetch, build and test stages.",
			},
			[]string{"stage"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smelter_builds_running",
				Help: "Builds currently executing.",
			},
		),
		uninstalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smelter_uninstalls_total",
				Help: "Formulas removed from the prefix.",
			},
		),
	}
	m.registry.MustRegister(
		m.formulas,
		m.stageDuration,
		m.stageErrors,
		m.running,
		m.uninstalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Emit implements events.Sink.
func (m *Metrics) Emit(_ context.Context, ev events.Event) {
	switch ev.Kind {
	case events.BuildStarted:
		m.running.Inc()
	case events.BuildFinished:
		m.running.Dec()
		m.observe("build", ev)
	case events.FetchFinished:
		m.observe("fetch", ev)
	case events.TestFinished:
		m.observe("test", ev)
	case events.FormulaDone:
		m.formulas.WithLabelValues(ev.Status).Inc()
	case events.Uninstalled:
		if !ev.Failed() {
			m.uninstalls.Inc()
		}
	}
}

func (m *Metrics) observe(stage string, ev events.Event) {
	m.stageDuration.WithLabelValues(stage).Observe(ev.Duration.Seconds())
	if ev.Failed() {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}
