// Package policy provides bounded-attempt retry with per-attempt deadlines.
//
// The policy is stateless and makes no assumption about the unit of work it
// wraps: the runner uses it around KPI query calls, but it composes with any
// function taking a context. Cancellation is cooperative - the wrapped work is
// expected to honor its context, and an external cancel aborts the in-flight
// attempt and short-circuits further retries.
package policy

import (
	"context"
	"math"
	"time"

	"github.com/3FramesLab/kpi-engine/errors"
)

// FailureKind classifies why an attempt (or the whole run) failed.
type FailureKind string

const (
	// FailureNone indicates success
	FailureNone FailureKind = ""
	// FailureExecution indicates the unit of work ran and returned an error
	FailureExecution FailureKind = "execution_error"
	// FailureTimeout indicates the attempt exceeded its deadline before finishing
	FailureTimeout FailureKind = "timeout"
	// FailureCancelled indicates an external cancel aborted the run
	FailureCancelled FailureKind = "cancelled"
)

// Policy configures retry and timeout behavior for a unit of work.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Total attempts = MaxRetries + 1.
	MaxRetries int
	// RetryDelay is the base sleep between attempts
	RetryDelay time.Duration
	// BackoffFactor scales the delay per attempt: RetryDelay * BackoffFactor^attempt.
	// Values <= 0 default to 1 (constant delay).
	BackoffFactor float64
	// Timeout bounds each individual attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
}

// Outcome reports the result of a policy run.
type Outcome struct {
	// Attempts is how many attempts were made (1..MaxRetries+1)
	Attempts int
	// Kind classifies the final failure; FailureNone on success
	Kind FailureKind
	// Err is the last failure, already classified and wrapped. Nil on success.
	Err error
}

// Failed reports whether the run ended in failure
func (o Outcome) Failed() bool {
	return o.Kind != FailureNone
}

// OnRetry is invoked before each retry sleep with the 0-based index of the
// attempt that just failed and its error. It lets callers surface retry
// progress (e.g. persist a retrying status) without the policy knowing about
// them. A nil callback is fine.
type OnRetry func(attempt int, err error)

// Run executes fn under the policy. Each attempt gets its own deadline-bounded
// context derived from ctx. On failure with attempts remaining it sleeps
// RetryDelay * BackoffFactor^attempt, then retries. Cancellation of ctx aborts
// the current attempt and stops retrying.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error, onRetry OnRetry) Outcome {
	backoff := p.BackoffFactor
	if backoff <= 0 {
		backoff = 1
	}

	var lastErr error
	var lastKind FailureKind

	for attempt := 0; ; attempt++ {
		// Bail out before starting an attempt if already cancelled
		if err := ctx.Err(); err != nil {
			return Outcome{
				Attempts: attempt,
				Kind:     FailureCancelled,
				Err:      errors.Wrap(errors.ErrCancelled, "cancelled before attempt"),
			}
		}

		err := p.runAttempt(ctx, fn)
		if err == nil {
			return Outcome{Attempts: attempt + 1}
		}

		// Parent cancellation is terminal regardless of attempts remaining
		if ctx.Err() != nil {
			return Outcome{
				Attempts: attempt + 1,
				Kind:     FailureCancelled,
				Err:      errors.Wrap(errors.ErrCancelled, err.Error()),
			}
		}

		lastErr = err
		if errors.Is(err, errors.ErrTimeout) {
			lastKind = FailureTimeout
		} else {
			lastKind = FailureExecution
		}

		if attempt >= p.MaxRetries {
			return Outcome{Attempts: attempt + 1, Kind: lastKind, Err: lastErr}
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		delay := time.Duration(float64(p.RetryDelay) * math.Pow(backoff, float64(attempt)))
		if !sleepCtx(ctx, delay) {
			return Outcome{
				Attempts: attempt + 1,
				Kind:     FailureCancelled,
				Err:      errors.Wrap(errors.ErrCancelled, "cancelled during retry delay"),
			}
		}
	}
}

// runAttempt runs one attempt under its own deadline and classifies overruns
// as timeouts, distinct from errors raised by the work itself. The attempt is
// abandoned as soon as its deadline passes even if the work ignores its
// context; a well-behaved unit of work observes the cancel and unwinds.
func (p Policy) runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if p.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(attemptCtx)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		// The attempt's own deadline expiring is a timeout; the parent being
		// cancelled is handled by the caller.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return errors.Wrapf(errors.ErrTimeout, "attempt exceeded %s", p.Timeout)
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCancelled, "attempt aborted")
		}
		return errors.Wrapf(errors.ErrTimeout, "attempt exceeded %s", p.Timeout)
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
