// Package backoff retries transient failures with capped, jittered
// exponential delays.
package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/zeusync/livesync/internal/core/sync/errs"
)

type Policy struct {
	// Base is the delay before the first retry; attempt n waits Base*2^n.
	Base time.Duration
	// Max caps the un-jittered delay.
	Max time.Duration
	// Jitter spreads every delay uniformly over ±Jitter of its value, in [0,1].
	Jitter float64
	// MaxAttempts bounds the total number of calls, the first one included.
	MaxAttempts int
	// Rand returns a sample in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Max:         30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt, counted from zero.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	sample := rand.Float64
	if p.Rand != nil {
		sample = p.Rand
	}
	return Jittered(delay, p.Jitter, sample())
}

// Exhausted reports whether attempts calls have used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Jittered scales base by a factor in [1-ratio, 1+ratio] picked by sample.
func Jittered(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = min(max(ratio, 0), 1)
	if ratio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := 1 + ((sample*2)-1)*ratio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// Wait sleeps for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryFunc is notified before every wait.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Retry calls fn until it succeeds or fails with an error that is not
// transient. When the attempt budget runs out the last transient error is
// reported as permanent and matches errs.ErrRetriesExceeded.
func (p Policy) Retry(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error, onRetry RetryFunc) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errs.IsTransient(err) {
			return err
		}
		if p.Exhausted(attempt + 1) {
			return errs.Permanent(op, "retries_exceeded",
				fmt.Errorf("%w after %d attempts: %s", errs.ErrRetriesExceeded, attempt+1, err.Error()))
		}
		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if werr := Wait(ctx, delay); werr != nil {
			return errs.Permanent(op, "cancelled", werr)
		}
	}
}
