// Package retry retries fallible calls with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Option tunes Do.
type Option func(*options)

type options struct {
	maxDelay time.Duration
	onRetry  func(attempt int, err error, wait time.Duration)
}

// WithMaxDelay caps a single backoff sleep.
func WithMaxDelay(d time.Duration) Option {
	return func(o *options) { o.maxDelay = d }
}

// WithOnRetry is called before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn up to attempts times, doubling baseDelay between calls with
// +-25% jitter. It stops on success, on a permanent error (returned unwrapped)
// or when ctx ends.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if attempts < 1 {
		attempts = 1
	}

	delay := baseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		wait := jitter(delay)
		if o.maxDelay > 0 && wait > o.maxDelay {
			wait = o.maxDelay
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
