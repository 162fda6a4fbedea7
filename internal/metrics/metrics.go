// Package metrics holds the prometheus collectors for capture decisions,
// stage outcomes and job traffic. A nil *Metrics is valid and records
// nothing, so tests and CLI paths can skip registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "capsule"

// Stage outcome labels.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retry_scheduled"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeSkipped      = "skipped"
)

// Metrics bundles the collectors.
type Metrics struct {
	registry      *prometheus.Registry
	captures      *prometheus.CounterVec
	stageOutcomes *prometheus.CounterVec
	jobsEnqueued  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Capture submissions by channel and idempotency decision.",
		}, []string{"channel", "decision"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Stage job outcomes.",
		}, []string{"stage", "outcome"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs handed to the transport.",
		}, []string{"job_type"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage handlers, gateway call included.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.captures,
		m.stageOutcomes,
		m.jobsEnqueued,
		m.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CaptureDecision counts one capture submission.
func (m *Metrics) CaptureDecision(channel, decision string) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(channel, decision).Inc()
}

// StageOutcome counts one stage job outcome.
func (m *Metrics) StageOutcome(stage, outcome string) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// JobEnqueued counts one job handed to the transport.
func (m *Metrics) JobEnqueued(jobType string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType).Inc()
}

// ObserveStage records a stage handler's duration.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}
