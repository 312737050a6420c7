// Package metrics provides Prometheus metrics for the voice client and the
// negotiation server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lingua_realtime"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Client-side session metrics
	SessionStarts   prometheus.Counter
	SessionFailures *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	NegotiationTime prometheus.Histogram
	Events          *prometheus.CounterVec

	// Server-side metrics
	CredentialsMinted *prometheus.CounterVec
	UsageReports      prometheus.Counter
}

// New registers all collectors on a fresh registry so several instances
// (tests, client and server in one process) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		SessionStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Total number of voice session start attempts",
		}),
		SessionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Total number of failed voice session attempts",
		}, []string{"kind"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active voice sessions",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of active voice sessions in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		NegotiationTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from start request to active session",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_channel_messages_total",
			Help:      "Messages received on the event data channel",
		}, []string{"kind"}),
		CredentialsMinted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_minted_total",
			Help:      "Ephemeral credential requests by upstream outcome",
		}, []string{"outcome"}),
		UsageReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_total",
			Help:      "Finished-session usage reports received",
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionStarts.Inc()
}

func (m *Metrics) SessionFailed(kind string) {
	if m == nil {
		return
	}
	m.SessionFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionActivated(negotiationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.NegotiationTime.Observe(negotiationSeconds)
}

func (m *Metrics) SessionEnded(seconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(seconds)
}

func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

func (m *Metrics) CredentialMinted(outcome string) {
	if m == nil {
		return
	}
	m.CredentialsMinted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UsageReported() {
	if m == nil {
		return
	}
	m.UsageReports.Inc()
}
