// Package backoff provides a bounded exponential delay sequence and a
// generic retry wrapper built on it.
package backoff

import (
	"context"
	"time"
)

// Policy describes a finite exponential backoff schedule.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the standard download retry schedule: 1s base,
// doubling, capped at 16s, three attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         16 * time.Second,
		MaxAttempts: 3,
	}
}

// Delays returns the full delay sequence between attempts. The slice has
// MaxAttempts-1 entries; the first attempt carries no delay.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}

	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	d := p.Base
	for i := 0; i < p.MaxAttempts-1; i++ {
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
		delays = append(delays, d)
		d *= 2
	}
	return delays
}

// Retry runs fn up to MaxAttempts times, sleeping the scheduled delay
// between attempts. It stops early when fn succeeds, when fn reports the
// error as permanent, or when the context is cancelled. The last error
// is returned after the schedule is exhausted.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error, permanent func(error) bool) error {
	delays := p.Delays()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(delays[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
