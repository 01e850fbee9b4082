package provenance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names for the provenance ledger.
const (
	MetricEntries         = "provenance_entries_total"
	MetricAppendFailures  = "provenance_append_failures_total"
	MetricLineageFailures = "provenance_lineage_failures_total"
	MetricAnomalies       = "provenance_access_anomalies_total"
)

// Metrics contains Prometheus collectors for the ledger.
type Metrics struct {
	entries         *prometheus.CounterVec
	appendFailures  prometheus.Counter
	lineageFailures prometheus.Counter
	anomalies       prometheus.Counter
}

// NewMetrics creates ledger metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEntries,
				Help: "Provenance entries appended, by action",
			},
			[]string{"action"},
		),
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppendFailures,
			Help: "Provenance entries that could not be stored",
		}),
		lineageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLineageFailures,
			Help: "Lineage queries answered empty because the store failed",
		}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAnomalies,
			Help: "Capsules flagged for unusually frequent access by one actor",
		}),
	}
}

// Register registers all ledger metrics with reg.
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
	return []prometheus.Collector{m.entries, m.appendFailures, m.lineageFailures, m.anomalies}
}

func (m *Metrics) entry(a Action) {
	if m != nil {
		m.entries.WithLabelValues(string(a)).Inc()
	}
}

func (m *Metrics) appendFailure() {
	if m != nil {
		m.appendFailures.Inc()
	}
}

func (m *Metrics) lineageFailure() {
	if m != nil {
		m.lineageFailures.Inc()
	}
}

func (m *Metrics) anomaly() {
	if m != nil {
		m.anomalies.Inc()
	}
}
