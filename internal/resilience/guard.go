package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Guard protects one external dependency: a circuit breaker whose admitted
// calls run under retry-with-backoff. Transient faults retry fast; sustained
// faults trip the breaker and fail fast.
type Guard struct {
	breaker     *CircuitBreaker
	retry       RetryConfig
	callerError func(error) bool
	metrics     *Metrics
	logger      *slog.Logger
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Breaker BreakerConfig
	Retry   RetryConfig

	// CallerError reports errors caused by the request rather than the
	// dependency (denied, unknown id, malformed input). They are returned
	// as-is and leave the breaker untouched. Cancellation by the caller
	// always counts as a caller error.
	CallerError func(err error) bool

	Metrics *Metrics // optional
	Logger  *slog.Logger
}

// NewGuard creates a Guard for the dependency named in config.Breaker.Name.
func NewGuard(config GuardConfig) *Guard {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Retry.Logger == nil {
		config.Retry.Logger = config.Logger
	}

	g := &Guard{
		breaker:     NewCircuitBreaker(config.Breaker),
		retry:       config.Retry.withDefaults(),
		callerError: config.CallerError,
		metrics:     config.Metrics,
		logger:      config.Logger,
	}

	name := g.breaker.Name()
	g.breaker.OnStateChange(func(name string, from, to State) {
		g.logger.Warn("circuit breaker state change",
			slog.String("dependency", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if g.metrics != nil {
			g.metrics.SetState(name, to)
		}
	})
	if g.metrics != nil {
		g.metrics.SetState(name, StateClosed)
	}
	return g
}

// Breaker exposes the underlying breaker, mainly for health reporting and tests.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Run executes fn under the guard.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	name := g.breaker.Name()
	if !g.breaker.Allow() {
		if g.metrics != nil {
			g.metrics.IncRejections(name)
		}
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}

	attempts := 0
	err := Retry(ctx, g.retry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 && g.metrics != nil {
			g.metrics.IncRetries(name)
		}
		return fn(ctx)
	})
	switch {
	case err == nil:
		g.breaker.Success()
	case g.isCallerError(err):
	default:
		g.breaker.Failure()
	}
	return err
}

func (g *Guard) isCallerError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return g.callerError != nil && g.callerError(err)
}

// Do runs fn under g and returns its value.
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
