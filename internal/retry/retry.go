// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/backoff"
)

// Config controls a retry loop.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Policy computes the delay after each failed attempt.
	Policy backoff.Policy
	// Sleep waits between attempts. Defaults to backoff.SleepWithContext.
	Sleep backoff.SleepFunc
	// OnRetry is invoked before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ProviderConfig is the retry schedule for upstream model calls:
// three attempts with 1s, 2s, 4s delays.
func ProviderConfig() Config {
	return Config{
		MaxAttempts: 3,
		Policy: backoff.Policy{
			Initial: time.Second,
			Max:     4 * time.Second,
			Factor:  2,
		},
	}
}

// Result describes a finished retry loop.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or MaxAttempts is reached.
func Do(ctx context.Context, config Config, op func(attempt int) error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = backoff.SleepWithContext
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if IsPermanent(err) || attempt >= config.MaxAttempts {
			break
		}

		delay := backoff.ComputeWithRand(config.Policy, attempt, 0)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			result.Err = serr
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue is Do for operations that produce a value.
func DoWithValue[T any](ctx context.Context, config Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
