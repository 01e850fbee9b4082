package unlockcode

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names for unlock codes.
const (
	MetricGenerated     = "unlock_codes_generated_total"
	MetricVerifications = "unlock_code_verifications_total"
)

// Metrics contains Prometheus collectors for unlock codes.
type Metrics struct {
	generatedTotal prometheus.Counter
	verifications  *prometheus.CounterVec
}

// NewMetrics creates unlock code metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		generatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGenerated,
			Help: "Unlock phrases issued",
		}),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifications,
				Help: "Unlock phrase verification attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all unlock code metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.generatedTotal, m.verifications}
}

func (m *Metrics) generated() {
	if m != nil {
		m.generatedTotal.Inc()
	}
}

func (m *Metrics) verification(outcome string) {
	if m != nil && outcome != "" {
		m.verifications.WithLabelValues(outcome).Inc()
	}
}
