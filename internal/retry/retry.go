package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
)

// Config describes one retry schedule. Every field is required; Do applies
// no defaults of its own.
type Config struct {
	MaxAttempts       int           // total attempts, including the first
	InitialDelay      time.Duration // delay before the 2nd attempt
	MaxDelay          time.Duration // ceiling for any computed delay
	BackoffMultiplier float64       // growth factor per additional attempt
}

// ErrInvalidConfig is returned when a Config is incomplete.
var ErrInvalidConfig = errors.New("invalid retry config")

// Validate reports whether the config can drive Do.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.InitialDelay <= 0:
		return fmt.Errorf("%w: initial delay must be positive, got %s", ErrInvalidConfig, c.InitialDelay)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max delay %s is below initial delay %s", ErrInvalidConfig, c.MaxDelay, c.InitialDelay)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff multiplier must be >= 1, got %g", ErrInvalidConfig, c.BackoffMultiplier)
	}
	return nil
}

// Delay returns the wait that follows a failed attempt (1-based):
// min(initial * multiplier^(attempt-1), max).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d >= float64(cfg.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, returns a Permanent error, or has been
// attempted cfg.MaxAttempts times. Only the error of the last attempt is
// returned; earlier ones are only visible through onRetry, which runs
// before each backoff wait begins.
//
// Errors are retried whatever their class. IsRetryable is available to
// callers that want to mark an error Permanent themselves.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error), onRetry func(attempt int, err error)) (T, error) {
	var zero T
	if err := cfg.Validate(); err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if attempt >= cfg.MaxAttempts {
			return zero, err
		}

		delay := Delay(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt, err)
		}
		log.Debug("Retrying after failure",
			"attempt", attempt,
			"max", cfg.MaxAttempts,
			"delay", delay,
			"err", err)

		if werr := wait(ctx, delay); werr != nil {
			return zero, errors.Join(err, werr)
		}
	}
}

// wait blocks until d elapses or ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it at once instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
