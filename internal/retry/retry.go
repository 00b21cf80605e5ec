// Package retry runs operations with exponential backoff. Errors wrapped
// with Permanent stop the retry loop immediately; everything else is
// retried until the attempt or context budget runs out.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config controls the retry loop.
type Config struct {
	// MaxAttempts counts the first attempt too. Zero or negative means
	// one attempt.
	MaxAttempts int

	// InitialDelay is the sleep after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the grown delay.
	MaxDelay time.Duration

	// Factor multiplies the delay after each failure.
	Factor float64

	// Jitter scales each sleep by a random factor in [0.5, 1.5) so
	// concurrent retriers do not synchronize.
	Jitter bool
}

// DefaultConfig suits short API calls: three attempts over roughly a
// third of a second before jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result reports what the retry loop did.
type Result struct {
	// Attempts is how many times the operation ran.
	Attempts int

	// Err is the final error, nil on success.
	Err error

	// Duration is wall time across all attempts and sleeps.
	Duration time.Duration
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or the context ends. The context is checked before each
// attempt and during each sleep.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	start := time.Now()
	var result Result

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		err := op()
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if IsPermanent(err) || attempt >= cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- timing jitter only
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue is Do for operations that produce a value. On failure the
// zero value is returned alongside the result.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, cfg, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError marks an error the retry loop must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops on it. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
