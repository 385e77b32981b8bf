package embedder

import (
	"context"
	"errors"
	"time"
)

// RetryConfig is the backoff schedule for remote providers. MaxRetries
// counts attempts, not retries; values below one mean a single attempt.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// delay returns the wait before attempt n (n >= 1).
func (rc RetryConfig) delay(n int) time.Duration {
	d := float64(rc.BaseDelay)
	for i := 1; i < n; i++ {
		d *= rc.Multiplier
		if rc.MaxDelay > 0 && d >= float64(rc.MaxDelay) {
			return rc.MaxDelay
		}
	}
	return time.Duration(d)
}

// permanentError wraps a failure no retry can fix, e.g. a 4xx from the API.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return &permanentError{err: err} }

func retryWithBackoff[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := max(rc.MaxRetries, 1)

	for n := 0; n < attempts; n++ {
		if n > 0 {
			if err := sleepCtx(ctx, rc.delay(n)); err != nil {
				return zero, err
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
