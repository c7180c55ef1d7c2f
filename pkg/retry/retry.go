// Package retry runs operations under a bounded attempt budget with
// deterministic, seeded backoff. Delays come from the shared jitter
// formula, sleeps go through the injected sleeper, so frozen clocks in
// tests observe the exact schedule a production run would follow.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

// Policy bounds a retry loop. MaxAttempts counts invocations of the
// operation itself, so MaxAttempts=3 allows at most two sleeps.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the export pipeline defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 3,
	}
}

// Classifier reports whether an error is worth another attempt.
// A nil classifier treats every error as terminal.
type Classifier func(error) bool

// ExhaustedError is returned once every attempt failed with a retryable
// error. It unwraps to the last underlying failure.
type ExhaustedError struct {
	Op            string
	CorrelationID string
	Attempts      int
	Last          error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted: op=%s attempts=%d correlation=%s: %v",
		e.Op, e.Attempts, e.CorrelationID, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err carries an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do invokes fn up to pol.MaxAttempts times. Retryable failures sleep
// for JitterFactor(pol.BaseDelay, attempt, correlationID:op, pol.Factor)
// capped at pol.MaxDelay before the next attempt. Non-retryable errors
// propagate immediately. Metric outcomes: "success" once on success,
// "retry" per scheduled sleep, "failure" once on a terminal
// non-retryable error; exhaustion increments its own counter.
func Do[T any](
	ctx context.Context,
	op, correlationID string,
	pol Policy,
	slp clock.Sleeper,
	retryable Classifier,
	m *metrics.Registry,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	seed := correlationID + ":" + op

	var last error
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			if m != nil {
				m.RetryAttempts.WithLabelValues(op, "success").Inc()
			}
			return out, nil
		}
		last = err

		if retryable == nil || !retryable(err) {
			if m != nil {
				m.RetryAttempts.WithLabelValues(op, "failure").Inc()
			}
			return zero, err
		}
		if attempt == pol.MaxAttempts {
			break
		}

		delay := clock.JitterFactor(pol.BaseDelay, attempt, seed, pol.Factor)
		if pol.MaxDelay > 0 && delay > pol.MaxDelay {
			delay = pol.MaxDelay
		}
		if m != nil {
			m.RetryAttempts.WithLabelValues(op, "retry").Inc()
			m.RetryBackoff.WithLabelValues(op).Observe(delay.Seconds())
		}
		if err := slp.Sleep(ctx, delay); err != nil {
			return zero, errors.Join(err, last)
		}
	}

	if m != nil {
		m.RetryExhaustion.WithLabelValues(op).Inc()
	}
	return zero, &ExhaustedError{
		Op:            op,
		CorrelationID: correlationID,
		Attempts:      pol.MaxAttempts,
		Last:          last,
	}
}
