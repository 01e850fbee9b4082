// Package jobs runs fire-and-forget background tasks on a bounded worker pool
// and records their outcome as Prometheus metrics.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricJobsTotal    = "capsule_jobs_total"
	MetricJobsDuration = "capsule_jobs_duration_seconds"
	MetricJobErrors    = "capsule_job_errors_total"
	MetricJobsDropped  = "capsule_jobs_dropped_total"
)

// Task types used as the job_type label.
const (
	JobTypeBlobVerify   = "blob_verify"
	JobTypeAnomalyCheck = "anomaly_check"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter receives task outcomes from a Queue. *Metrics implements it.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	IncJobsDropped(jobType string)
}

// Metrics holds the queue's collectors. Call Register to expose them.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	jobsDropped  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobsTotal,
			Help: "Background tasks finished, by type and status",
		}, []string{"job_type", "status"}),
		// Blob verification is one store round trip; anything past 30s is stuck.
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobsDuration,
			Help:    "Background task duration in seconds, by type",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobErrors,
			Help: "Background task failures, by type and cause (task_error, timeout, panic)",
		}, []string{"job_type", "error_type"}),
		jobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobsDropped,
			Help: "Background tasks dropped because the queue was full",
		}, []string{"job_type"}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

func (m *Metrics) IncJobsDropped(jobType string) {
	m.jobsDropped.WithLabelValues(jobType).Inc()
}

// Collectors returns every collector, in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.jobsDropped}
}
