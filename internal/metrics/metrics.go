// Package metrics provides Prometheus metrics for the workout bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot. A nil *Metrics is a
// valid no-op collector.
type Metrics struct {
	CalloutsTotal  *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	RepsTotal      *prometheus.CounterVec
	CommandsTotal  *prometheus.CounterVec
	ScheduledRooms prometheus.Gauge
	ErrorsTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CalloutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workout_callouts_total",
				Help: "Total number of callouts fired by kind (named, group, empty, aborted).",
			},
			[]string{"kind"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workout_callout_cycle_seconds",
				Help:    "Time spent selecting, announcing and recording one callout.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workout_reps_total",
				Help: "Reps credited in the ledger by exercise.",
			},
			[]string{"exercise"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workout_commands_total",
				Help: "Commands received by source and command.",
			},
			[]string{"source", "command"},
		),
		ScheduledRooms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workout_scheduled_rooms",
				Help: "Number of rooms with an armed callout timer.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workout_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.CalloutsTotal)
	reg.MustRegister(m.CycleDuration)
	reg.MustRegister(m.RepsTotal)
	reg.MustRegister(m.CommandsTotal)
	reg.MustRegister(m.ScheduledRooms)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCallout increments the callout counter.
func (m *Metrics) RecordCallout(kind string) {
	if m == nil {
		return
	}
	m.CalloutsTotal.WithLabelValues(kind).Inc()
}

// ObserveCycle records how long a callout cycle took.
func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(seconds)
}

// RecordReps adds credited reps for an exercise.
func (m *Metrics) RecordReps(exercise string, reps int) {
	if m == nil {
		return
	}
	m.RepsTotal.WithLabelValues(exercise).Add(float64(reps))
}

// RecordCommand increments the command counter.
func (m *Metrics) RecordCommand(source, command string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(source, command).Inc()
}

// SetScheduledRooms sets the armed-timer gauge.
func (m *Metrics) SetScheduledRooms(n int) {
	if m == nil {
		return
	}
	m.ScheduledRooms.Set(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
