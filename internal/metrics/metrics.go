package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harun/loanrenew/pkg/library"
	"github.com/harun/loanrenew/pkg/renewal"
)

const namespace = "loanrenew"

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp prometheus.Gauge

	// Library request metrics
	StageRequestsTotal *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec

	// Loan metrics, from the last successful listing
	LoansOpen prometheus.Gauge
	LoansDue  prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of renewal runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of renewal runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last renewal run finished",
			},
		),

		StageRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_requests_total",
				Help:      "Total number of library requests by stage and HTTP status",
			},
			[]string{"stage", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of library requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		LoansOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loans_open",
				Help:      "Number of open loans seen by the last listing",
			},
		),
		LoansDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loans_due",
				Help:      "Number of loans due at the last decision",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.RunsTotal)
	m.registry.MustRegister(m.RunDuration)
	m.registry.MustRegister(m.LastRunTimestamp)

	m.registry.MustRegister(m.StageRequestsTotal)
	m.registry.MustRegister(m.StageDuration)

	m.registry.MustRegister(m.LoansOpen)
	m.registry.MustRegister(m.LoansDue)
}

// ObserveRequest implements library.Observer. status is the HTTP status code,
// or "transport_error" when no response arrived.
func (m *Metrics) ObserveRequest(stage library.Stage, status string, d time.Duration) {
	m.StageRequestsTotal.WithLabelValues(string(stage), status).Inc()
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// RecordRun implements renewal.Recorder
func (m *Metrics) RecordRun(_ context.Context, r renewal.Report) {
	m.RunsTotal.WithLabelValues(string(r.Outcome)).Inc()
	m.RunDuration.Observe(r.Duration().Seconds())
	m.LastRunTimestamp.Set(float64(r.FinishedAt.Unix()))

	// gauges only move when the listing got through
	switch r.Outcome {
	case renewal.OutcomeAuthFailed, renewal.OutcomeListFailed, renewal.OutcomeAborted:
		return
	}
	m.LoansOpen.Set(float64(r.Loans))
	m.LoansDue.Set(float64(r.DueLoans))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
