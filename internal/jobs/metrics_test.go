package jobs

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterVecValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return -1
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func getHistogramVecSampleCount(vec *prometheus.HistogramVec, labels ...string) uint64 {
	o, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	h, ok := o.(prometheus.Metric)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.IncJobsTotal(JobTypeBlobVerify, StatusSuccess)
	m.ObserveJobDuration(JobTypeBlobVerify, 0.2)
	m.IncJobErrors(JobTypeBlobVerify, "timeout")
	m.IncJobsDropped(JobTypeAnomalyCheck)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := make(map[string]bool)
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{MetricJobsTotal, MetricJobsDuration, MetricJobErrors, MetricJobsDropped} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}

	if err := NewMetrics().Register(reg); err == nil {
		t.Error("second Register() on the same registry succeeded, want error")
	}
}

func TestMetrics_Recording(t *testing.T) {
	tests := []struct {
		name   string
		record func(m *Metrics)
		check  func(m *Metrics) float64
		want   float64
	}{
		{
			name: "status split",
			record: func(m *Metrics) {
				m.IncJobsTotal(JobTypeBlobVerify, StatusSuccess)
				m.IncJobsTotal(JobTypeBlobVerify, StatusSuccess)
				m.IncJobsTotal(JobTypeBlobVerify, StatusFailure)
			},
			check: func(m *Metrics) float64 { return getCounterVecValue(m.jobsTotal, JobTypeBlobVerify, StatusSuccess) },
			want:  2,
		},
		{
			name: "errors by cause",
			record: func(m *Metrics) {
				m.IncJobErrors(JobTypeAnomalyCheck, "panic")
				m.IncJobErrors(JobTypeAnomalyCheck, "task_error")
			},
			check: func(m *Metrics) float64 { return getCounterVecValue(m.jobErrors, JobTypeAnomalyCheck, "panic") },
			want:  1,
		},
		{
			name: "duration samples",
			record: func(m *Metrics) {
				m.ObserveJobDuration(JobTypeBlobVerify, 0.05)
				m.ObserveJobDuration(JobTypeBlobVerify, 3)
			},
			check: func(m *Metrics) float64 { return float64(getHistogramVecSampleCount(m.jobsDuration, JobTypeBlobVerify)) },
			want:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			tt.record(m)
			if got := tt.check(m); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncJobsTotal(JobTypeBlobVerify, StatusSuccess)
			m.ObserveJobDuration(JobTypeBlobVerify, 0.1)
		}()
	}
	wg.Wait()

	if got := getCounterVecValue(m.jobsTotal, JobTypeBlobVerify, StatusSuccess); got != 50 {
		t.Errorf("jobs total = %v, want 50", got)
	}
}
