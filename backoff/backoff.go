// Package backoff wraps cenkalti/backoff/v5 with the retry shape the
// storage and bus adaptors use to re-establish a dropped connection:
// configurable exponential backoff, an operation, and a notify hook for
// logging each retry attempt.
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Wrapper drives a retryable operation with exponential backoff.
type Wrapper struct {
	ctx       context.Context
	operation backoff.Operation[any]
	options   []backoff.RetryOption
}

// New configures a Wrapper. initialInterval, randomizationFactor and
// multiplier follow cenkalti/backoff/v5 conventions; maxTries caps the
// number of attempts (0 means unlimited, bounded only by ctx cancellation).
func New(ctx context.Context, initialInterval time.Duration, randomizationFactor float64, multiplier float64, maxTries uint) *Wrapper {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.RandomizationFactor = randomizationFactor
	exp.Multiplier = multiplier

	options := []backoff.RetryOption{backoff.WithBackOff(exp)}
	if maxTries > 0 {
		options = append(options, backoff.WithMaxTries(maxTries))
	}

	return &Wrapper{ctx: ctx, options: options}
}

// SetDoOperation sets the function to retry.
func (w *Wrapper) SetDoOperation(o backoff.Operation[any]) {
	w.operation = o
}

// SetNotify registers a callback invoked after each failed attempt, before
// the next retry sleep.
func (w *Wrapper) SetNotify(n backoff.Notify) {
	w.options = append(w.options, backoff.WithNotify(n))
}

// Exec runs the operation until it succeeds, the context is cancelled, or
// maxTries is exhausted, returning the final error if any — unlike the
// fire-and-forget original, callers need this to decide whether a
// reconnect actually happened before running their reconnect hooks.
func (w *Wrapper) Exec() error {
	_, err := backoff.Retry(w.ctx, w.operation, w.options...)
	return err
}
