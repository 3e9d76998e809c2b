// Package retry runs transient operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	Attempts int           // total calls, including the first
	Base     time.Duration // delay before the second call
	Max      time.Duration // upper bound on any single delay; zero means none
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except Stop errors.
	Retryable func(error) bool
}

// Default suits a single store call on the request path.
var Default = Policy{Attempts: 3, Base: 20 * time.Millisecond, Max: 200 * time.Millisecond}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as final. Do returns the wrapped error immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do calls fn until it succeeds, returns a Stop error, the policy gives up
// on the error, attempts run out, or ctx is done. The last error from fn
// is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Base

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		t := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
	return err
}

// jitter spreads d over [0.75d, 1.25d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	q := int64(d / 4)
	return d - time.Duration(q) + time.Duration(rand.Int64N(2*q+1))
}
