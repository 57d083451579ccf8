package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/livesync/internal/core/sync/errs"
)

func midpoint() float64 { return 0.5 }

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.3, Rand: midpoint}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	low := Policy{Base: time.Second, Max: time.Minute, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := low
	high.Rand = func() float64 { return 1 }

	assert.Equal(t, 800*time.Millisecond, low.Delay(0))
	assert.Equal(t, 1200*time.Millisecond, high.Delay(0))
	assert.Equal(t, 1600*time.Millisecond, low.Delay(1))

	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 0.2}
	for range 100 {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestJittered(t *testing.T) {
	assert.Zero(t, Jittered(0, 0.5, 0.5))
	assert.Equal(t, time.Second, Jittered(time.Second, 0, 0.9))
	assert.Equal(t, time.Millisecond, Jittered(time.Microsecond, 1, 0), "floored at 1ms")
	assert.Equal(t, 2*time.Second, Jittered(time.Second, 5, 1), "ratio clamped to 1")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 5, Rand: midpoint}

	calls := 0
	var retries []int
	start := time.Now()
	err := p.Retry(context.Background(), "submit", func(context.Context, int) error {
		calls++
		if calls <= 3 {
			return errs.FromStatus("submit", 503, "unavailable")
		}
		return nil
	}, func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, retries)
	// 1ms + 2ms + 4ms of waiting
	assert.GreaterOrEqual(t, time.Since(start), 7*time.Millisecond)
}

func TestRetryExhaustedBecomesPermanent(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := p.Retry(context.Background(), "submit", func(context.Context, int) error {
		calls++
		return errs.FromStatus("submit", 502, "bad gateway")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errs.ErrPermanent)
	assert.ErrorIs(t, err, errs.ErrRetriesExceeded)
	assert.NotErrorIs(t, err, errs.ErrTransient)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	p := DefaultPolicy()

	calls := 0
	err := p.Retry(context.Background(), "submit", func(context.Context, int) error {
		calls++
		return errs.FromStatus("submit", 404, "gone")
	}, nil)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errs.ErrPermanent)
	assert.NotErrorIs(t, err, errs.ErrRetriesExceeded)

	plain := errors.New("weird")
	err = p.Retry(context.Background(), "submit", func(context.Context, int) error { return plain }, nil)
	assert.Same(t, plain, err)
}

func TestRetryHonorsCancellation(t *testing.T) {
	p := Policy{Base: time.Hour, Max: time.Hour, MaxAttempts: 10}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Retry(ctx, "submit", func(context.Context, int) error {
			return errs.Transient("submit", errors.New("timeout"))
		}, nil)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errs.ErrPermanent)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
