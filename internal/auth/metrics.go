package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsRecorder centralises counter/gauge updates so the rest of the package stays testable.
type metricsRecorder interface {
	IncKeyIssue(result string, tier Tier)
	IncKeyValidation(outcome validationOutcome)
	SetKeysActive(count int)
}

// PrometheusMetrics records key lifecycle metrics.
type PrometheusMetrics struct {
	issued      *prometheus.CounterVec
	validations *prometheus.CounterVec
	active      prometheus.Gauge
}

// NewPrometheusMetrics registers the key metrics on reg. A nil reg uses a private registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &PrometheusMetrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigate_api_key_issue_total",
			Help: "API keys issued, by result and tier.",
		}, []string{"result", "tier"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigate_api_key_validation_total",
			Help: "API key validations, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apigate_api_keys_active",
			Help: "Active, unexpired API keys.",
		}),
	}
	reg.MustRegister(m.issued, m.validations, m.active)
	return m
}

func (m *PrometheusMetrics) IncKeyIssue(result string, tier Tier) {
	m.issued.WithLabelValues(result, string(tier)).Inc()
}

func (m *PrometheusMetrics) IncKeyValidation(outcome validationOutcome) {
	m.validations.WithLabelValues(string(outcome)).Inc()
}

func (m *PrometheusMetrics) SetKeysActive(count int) {
	m.active.Set(float64(count))
}
