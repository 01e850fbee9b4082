package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"time"
)

// Default retry settings.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 1 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelay          = 10 * time.Second
)

// transientPattern matches error messages that indicate a transient fault.
var transientPattern = regexp.MustCompile(`(?i)epoch|timeout|timed out|network|connection (refused|reset)|temporarily unavailable|EOF`)

// RetryConfig configures retry-with-backoff.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	// Retryable decides whether err warrants another attempt.
	// Defaults to IsTransient.
	Retryable func(err error) bool

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// DefaultRetryConfig returns a RetryConfig with default values.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxDelay:          DefaultMaxDelay,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// IsTransient is the default retry predicate. Open circuits are never retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return transientPattern.MatchString(err.Error())
}

// Retry calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// The last error is returned unchanged so callers can inspect it with errors.Is.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	config = config.withDefaults()

	delay := config.InitialDelay
	var err error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !config.Retryable(err) || attempt == config.MaxAttempts {
			return err
		}

		config.Logger.Debug("retrying after transient failure",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		if sleepErr := config.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay = nextDelay(delay, config.BackoffMultiplier, config.MaxDelay)
	}
	return err
}

func nextDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
