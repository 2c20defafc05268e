// Package metrics defines the Prometheus collectors for conversation turns,
// document ingestion and credential refreshes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TurnsTotal           *prometheus.CounterVec
	TurnDuration         *prometheus.HistogramVec
	ActiveSessions       prometheus.Gauge
	IngestionJobsTotal   *prometheus.CounterVec
	IngestionStepFailure *prometheus.CounterVec
	TokenRefreshTotal    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_turns_total",
				Help: "Conversation turns by mode (text, voice) and outcome (ok, fallback, rejected).",
			},
			[]string{"mode", "outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conversation_turn_duration_seconds",
				Help:    "Wall time of a conversation turn including lock wait.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conversation_active_sessions",
				Help: "Sessions currently held in the registry.",
			},
		),
		IngestionJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_jobs_total",
				Help: "Ingestion jobs reaching a persisted status.",
			},
			[]string{"status"},
		),
		IngestionStepFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_step_failures_total",
				Help: "Ingestion failures by protocol step.",
			},
			[]string{"step"},
		),
		TokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_refresh_total",
				Help: "Credential refresh attempts by trigger (lazy, forced, scheduled, startup) and result.",
			},
			[]string{"trigger", "result"},
		),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.ActiveSessions,
		m.IngestionJobsTotal,
		m.IngestionStepFailure,
		m.TokenRefreshTotal,
	)
	return m
}

func (m *Metrics) ObserveTurn(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) JobStatus(status string) {
	if m == nil {
		return
	}
	m.IngestionJobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) StepFailed(step string) {
	if m == nil {
		return
	}
	m.IngestionStepFailure.WithLabelValues(step).Inc()
}

func (m *Metrics) TokenRefresh(trigger string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TokenRefreshTotal.WithLabelValues(trigger, result).Inc()
}

// Handler returns the Prometheus scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
