package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestGuard(metrics *Metrics) *Guard {
	return NewGuard(GuardConfig{
		Breaker: BreakerConfig{
			Name:             "sealer",
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Sleep:        func(context.Context, time.Duration) error { return nil },
		},
		Metrics: metrics,
	})
}

func TestGuard_RetriesInsideSingleBreakerCall(t *testing.T) {
	g := newTestGuard(nil)

	calls := 0
	err := g.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got := g.Breaker().State(); got != StateClosed {
		t.Errorf("state = %v, want CLOSED", got)
	}
}

func TestGuard_SustainedFailureOpensCircuit(t *testing.T) {
	g := newTestGuard(nil)
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return errors.New("network down")
	}

	_ = g.Run(ctx, failing)
	_ = g.Run(ctx, failing)
	if got := g.Breaker().State(); got != StateOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	if calls != 6 {
		t.Errorf("calls = %d, want 6 (2 guarded calls x 3 attempts)", calls)
	}

	err := g.Run(ctx, failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Run() error = %v, want ErrCircuitOpen", err)
	}
	if calls != 6 {
		t.Errorf("dependency called while open: calls = %d", calls)
	}
}

var errDenied = errors.New("access denied")

func TestGuard_CallerErrorsLeaveBreakerClosed(t *testing.T) {
	g := NewGuard(GuardConfig{
		Breaker:     BreakerConfig{Name: "sealer", FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Hour},
		Retry:       RetryConfig{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }},
		CallerError: func(err error) bool { return errors.Is(err, errDenied) },
	})
	ctx := context.Background()

	calls := 0
	denied := func(ctx context.Context) error {
		calls++
		return fmt.Errorf("decrypt: %w", errDenied)
	}
	for i := 0; i < 5; i++ {
		if err := g.Run(ctx, denied); !errors.Is(err, errDenied) {
			t.Fatalf("Run() error = %v, want errDenied", err)
		}
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5 (caller errors are not retried)", calls)
	}
	if got := g.Breaker().State(); got != StateClosed {
		t.Errorf("state = %v, want CLOSED after caller errors", got)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for i := 0; i < 3; i++ {
		_ = g.Run(cancelled, func(ctx context.Context) error { return ctx.Err() })
	}
	if got := g.Breaker().State(); got != StateClosed {
		t.Errorf("state = %v, want CLOSED after caller cancellation", got)
	}

	// Dependency faults still count.
	outage := func(ctx context.Context) error { return errors.New("connection refused") }
	_ = g.Run(ctx, outage)
	_ = g.Run(ctx, outage)
	if got := g.Breaker().State(); got != StateOpen {
		t.Errorf("state = %v, want OPEN after dependency faults", got)
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	g := newTestGuard(nil)

	got, err := Do(context.Background(), g, func(ctx context.Context) (string, error) {
		return "blob-1", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "blob-1" {
		t.Errorf("Do() = %q, want %q", got, "blob-1")
	}
}

func TestGuard_Metrics(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	g := newTestGuard(m)
	ctx := context.Background()

	failing := func(ctx context.Context) error { return errors.New("timeout") }
	_ = g.Run(ctx, failing)
	_ = g.Run(ctx, failing)
	_ = g.Run(ctx, failing)

	if got := gaugeValue(t, m.breakerState, "sealer"); got != float64(StateOpen) {
		t.Errorf("breaker state gauge = %v, want %v", got, float64(StateOpen))
	}
	if got := counterValue(t, m.rejections, "sealer"); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	if got := counterValue(t, m.retries, "sealer"); got != 4 {
		t.Errorf("retries = %v, want 4", got)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}
