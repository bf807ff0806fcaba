package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FramesLab/kpi-engine/errors"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	p := Policy{MaxRetries: 3, RetryDelay: time.Millisecond}

	var calls int32
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil)

	assert.False(t, outcome.Failed())
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	// Fails twice, succeeds on the third attempt
	p := Policy{MaxRetries: 3, RetryDelay: time.Millisecond, BackoffFactor: 2}

	var calls int32
	var retries []int
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, err error) {
		retries = append(retries, attempt)
	})

	assert.False(t, outcome.Failed())
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, []int{0, 1}, retries)
}

func TestRunExhaustsRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, RetryDelay: time.Millisecond}

	var calls int32
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	}, nil)

	require.True(t, outcome.Failed())
	assert.Equal(t, FailureExecution, outcome.Kind)
	// maxRetries+1 total attempts
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, outcome.Err.Error(), "always fails")
}

func TestRunClassifiesTimeout(t *testing.T) {
	p := Policy{MaxRetries: 0, Timeout: 20 * time.Millisecond}

	start := time.Now()
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}, nil)

	require.True(t, outcome.Failed())
	assert.Equal(t, FailureTimeout, outcome.Kind)
	assert.True(t, errors.Is(outcome.Err, errors.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRunTimeoutAbandonsStuckWork(t *testing.T) {
	// Work that ignores its context entirely is still abandoned at the deadline
	p := Policy{MaxRetries: 0, Timeout: 20 * time.Millisecond}

	done := make(chan struct{})
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		defer close(done)
		time.Sleep(200 * time.Millisecond)
		return nil
	}, nil)

	assert.Equal(t, FailureTimeout, outcome.Kind)
	<-done
}

func TestRunTimeoutIsRetried(t *testing.T) {
	p := Policy{MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: 10 * time.Millisecond}

	var calls int32
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	assert.Equal(t, FailureTimeout, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRunCancelledMidAttempt(t *testing.T) {
	p := Policy{MaxRetries: 5, RetryDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := p.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.True(t, outcome.Failed())
	assert.Equal(t, FailureCancelled, outcome.Kind)
	assert.True(t, errors.Is(outcome.Err, errors.ErrCancelled))
	// Cancel short-circuits further retries
	assert.Equal(t, 1, outcome.Attempts)
}

func TestRunCancelledDuringRetryDelay(t *testing.T) {
	p := Policy{MaxRetries: 3, RetryDelay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome := p.Run(ctx, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail fast")
	}, nil)

	assert.Equal(t, FailureCancelled, outcome.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBackoffGrowth(t *testing.T) {
	// Delay sequence: 10ms, 20ms between three attempts
	p := Policy{MaxRetries: 2, RetryDelay: 10 * time.Millisecond, BackoffFactor: 2}

	start := time.Now()
	outcome := p.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("nope")
	}, nil)

	assert.Equal(t, 3, outcome.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
