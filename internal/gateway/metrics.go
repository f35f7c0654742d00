package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes admission outcomes.
type Metrics struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	states    *prometheus.CounterVec
}

// NewMetrics registers gateway metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigate_gateway_decisions_total",
			Help: "Admission decisions by result code; admitted requests use code OK.",
		}, []string{"code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apigate_gateway_handler_duration_seconds",
			Help:    "Latency of admitted requests, by status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apigate_gateway_in_flight",
			Help: "Requests currently holding a concurrency slot.",
		}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigate_defense_transitions_total",
			Help: "IP defense state transitions.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.decisions, m.duration, m.inFlight, m.states)
	return m
}

func (m *Metrics) decision(code string) {
	m.decisions.WithLabelValues(code).Inc()
}

func (m *Metrics) observe(class string, seconds float64) {
	m.duration.WithLabelValues(class).Observe(seconds)
}

func (m *Metrics) transition(state string) {
	m.states.WithLabelValues(state).Inc()
}
