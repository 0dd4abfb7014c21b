package resolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"debridfetch/internal"
)

// Metrics holds the resolver's Prometheus collectors
type Metrics struct {
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	PollsTotal         *prometheus.CounterVec
	CleanupsTotal      *prometheus.CounterVec
	AuthRetriesTotal   *prometheus.CounterVec
	ActiveJobs         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debridfetch_resolutions_total",
				Help: "Finished resolutions by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "debridfetch_resolution_duration_seconds",
				Help:    "Time from submission to a terminal state",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debridfetch_polls_total",
				Help: "Status polls by provider and reported state",
			},
			[]string{"provider", "state"},
		),
		CleanupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debridfetch_cleanups_total",
				Help: "Best-effort job deletions by provider and result",
			},
			[]string{"provider", "result"},
		),
		AuthRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debridfetch_auth_retries_total",
				Help: "Provider calls retried after a credential refresh",
			},
			[]string{"provider"},
		),
		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "debridfetch_active_jobs",
				Help: "Resolutions currently in flight",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ResolutionsTotal,
			m.ResolutionDuration,
			m.PollsTotal,
			m.CleanupsTotal,
			m.AuthRetriesTotal,
			m.ActiveJobs,
		)
	}
	return m
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

func (m *Metrics) finished(id internal.ProviderID, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	outcome := "ready"
	if err != nil {
		outcome = "error"
		if kind, ok := internal.KindOf(err); ok {
			outcome = kind.String()
		}
	}
	m.ResolutionsTotal.WithLabelValues(string(id), outcome).Inc()
	m.ResolutionDuration.WithLabelValues(string(id)).Observe(elapsed.Seconds())
}

func (m *Metrics) polled(id internal.ProviderID, state string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(string(id), state).Inc()
}

func (m *Metrics) cleanedUp(id internal.ProviderID, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.CleanupsTotal.WithLabelValues(string(id), result).Inc()
}

func (m *Metrics) authRetried(id internal.ProviderID) {
	if m == nil {
		return
	}
	m.AuthRetriesTotal.WithLabelValues(string(id)).Inc()
}
