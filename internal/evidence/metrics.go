package evidence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricOperationsTotal   = "evidence_operations_total"
	MetricIntegrityFailures = "evidence_integrity_failures_total"
	MetricFallbacksTotal    = "evidence_fallbacks_total"
	MetricPayloadBytes      = "evidence_payload_bytes"
)

// Operation labels.
const (
	OpUpload  = "upload"
	OpGet     = "get"
	OpDecrypt = "decrypt"
)

// Fallback labels.
const (
	FallbackCompress    = "compress"
	FallbackDecompress  = "decompress"
	FallbackContainer   = "container_parse"
	FallbackImageRepair = "image_repair"
)

// Metrics contains Prometheus metrics for the evidence pipeline.
type Metrics struct {
	operations        *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	payloadBytes      *prometheus.HistogramVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperationsTotal,
				Help: "Total number of pipeline operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		integrityFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIntegrityFailures,
				Help: "Total number of integrity checkpoint mismatches by checkpoint",
			},
			[]string{"checkpoint"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFallbacksTotal,
				Help: "Total number of recovered best-effort stage failures by stage",
			},
			[]string{"stage"},
		),
		payloadBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricPayloadBytes,
				Help:    "Size of original payloads in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. 256MiB
			},
			[]string{"operation"},
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
	return []prometheus.Collector{m.operations, m.integrityFailures, m.fallbacks, m.payloadBytes}
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) integrityFailure(checkpoint string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(checkpoint).Inc()
}

func (m *Metrics) fallback(stage string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(stage).Inc()
}

func (m *Metrics) size(op string, n int) {
	if m == nil {
		return
	}
	m.payloadBytes.WithLabelValues(op).Observe(float64(n))
}
