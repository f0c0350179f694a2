package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0
}

// DefaultConfig returns defaults for pool creation against external databases:
// 3 retries, 100ms initial delay doubling up to 5s, 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// HealthCheckConfig is a short schedule for pinging pooled connections,
// which already run under a caller deadline.
func HealthCheckConfig() *Config {
	return &Config{
		MaxRetries:   2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// backoff sleeps for the current delay and advances it. Returns ctx.Err() if
// the context ends first.
func backoff(ctx context.Context, cfg *Config, delay *time.Duration) error {
	select {
	case <-time.After(applyJitter(*delay, cfg.JitterFactor)):
		next := time.Duration(float64(*delay) * cfg.Multiplier)
		if next > cfg.MaxDelay {
			next = cfg.MaxDelay
		}
		*delay = next
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn with exponential backoff retry logic.
// Returns nil on success, or the last error after all retries are exhausted.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn and returns both result and error.
// Useful for constructors like pgxpool.NewWithConfig or sql.Open + Ping.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if attempt < cfg.MaxRetries {
			if err := backoff(ctx, cfg, &delay); err != nil {
				return result, err
			}
		}
	}

	return result, lastErr
}

// DoIfRetryable only retries transient errors. Permanent failures (bad
// credentials, unknown column, syntax errors) return immediately.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt < cfg.MaxRetries {
			if err := backoff(ctx, cfg, &delay); err != nil {
				return err
			}
		}
	}

	return lastErr
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timed out",
	"temporary failure",
	"network is unreachable",
	"too many connections",
	"deadlock",
	"lock wait timeout",
	"bad connection",
	"server has gone away",
	"conn closed",
	"the database system is starting up",
}

// IsRetryable determines if an error is transient and worth retrying.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
