package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricBreakerState      = "resilience_breaker_state"
	MetricBreakerRejections = "resilience_breaker_rejections_total"
	MetricRetryAttempts     = "resilience_retry_attempts_total"
)

// Metrics contains Prometheus metrics for guarded dependencies.
type Metrics struct {
	breakerState *prometheus.GaugeVec
	rejections   *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricBreakerState,
				Help: "Circuit breaker state by dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBreakerRejections,
				Help: "Total number of calls rejected by an open circuit breaker",
			},
			[]string{"dependency"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRetryAttempts,
				Help: "Total number of retry attempts after a transient failure",
			},
			[]string{"dependency"},
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

// SetState records the breaker state for a dependency.
func (m *Metrics) SetState(dependency string, s State) {
	m.breakerState.WithLabelValues(dependency).Set(float64(s))
}

// IncRejections increments the rejected-call counter.
func (m *Metrics) IncRejections(dependency string) {
	m.rejections.WithLabelValues(dependency).Inc()
}

// IncRetries increments the retry counter.
func (m *Metrics) IncRetries(dependency string) {
	m.retries.WithLabelValues(dependency).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.breakerState, m.rejections, m.retries}
}
