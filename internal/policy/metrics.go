package policy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricDecisionsTotal         = "policy_decisions_total"
	MetricAnchorFallbacksTotal   = "policy_anchor_fallbacks_total"
	MetricInheritanceClaimsTotal = "policy_inheritance_claims_total"
)

// Decision outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeNotReady = "not_ready"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

// Metrics contains Prometheus metrics for policy evaluation.
type Metrics struct {
	decisions       *prometheus.CounterVec
	anchorFallbacks *prometheus.CounterVec
	claims          *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDecisionsTotal,
				Help: "Total number of unlock authorization decisions by policy type and outcome",
			},
			[]string{"policy_type", "outcome"},
		),
		anchorFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAnchorFallbacksTotal,
				Help: "Total number of external policy checks that could not be reached",
			},
			[]string{"check"},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricInheritanceClaimsTotal,
				Help: "Total number of inheritance claims by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.decisions, m.anchorFallbacks, m.claims}
}

func (m *Metrics) decision(t Type, outcome string) {
	if m != nil {
		m.decisions.WithLabelValues(string(t), outcome).Inc()
	}
}

func (m *Metrics) anchorFallback(check string) {
	if m != nil {
		m.anchorFallbacks.WithLabelValues(check).Inc()
	}
}

func (m *Metrics) claim(outcome string) {
	if m != nil {
		m.claims.WithLabelValues(outcome).Inc()
	}
}
