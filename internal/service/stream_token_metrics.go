package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentdevsl/claudorc-sub000/internal/metrics"
)

// TokenMetrics counts stream-token lifecycle transitions. A nil *TokenMetrics
// records nothing.
type TokenMetrics struct {
	issued      prometheus.Counter
	validations *prometheus.CounterVec
	revoked     prometheus.Counter
	cleaned     prometheus.Counter
}

func NewTokenMetrics(reg prometheus.Registerer) (*TokenMetrics, error) {
	m := &TokenMetrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream_token",
			Name:      "issued_total",
			Help:      "Stream tokens issued.",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream_token",
			Name:      "validations_total",
			Help:      "Stream token validations by outcome code.",
		}, []string{"outcome"}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream_token",
			Name:      "revoked_total",
			Help:      "Stream tokens removed by explicit revocation.",
		}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream_token",
			Name:      "expired_removed_total",
			Help:      "Expired stream tokens removed.",
		}),
	}

	var err error
	if m.issued, err = metrics.Register(reg, m.issued); err != nil {
		return nil, err
	}
	if m.validations, err = metrics.Register(reg, m.validations); err != nil {
		return nil, err
	}
	if m.revoked, err = metrics.Register(reg, m.revoked); err != nil {
		return nil, err
	}
	if m.cleaned, err = metrics.Register(reg, m.cleaned); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TokenMetrics) recordIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

func (m *TokenMetrics) recordValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *TokenMetrics) recordRevoked(n int) {
	if m == nil || n == 0 {
		return
	}
	m.revoked.Add(float64(n))
}

func (m *TokenMetrics) recordCleaned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cleaned.Add(float64(n))
}
