package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with proportional jitter:
//
//	raw   = Base * 2^attempt
//	delay = min(raw + U(0.10, 0.30)*raw, Max)
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0, 1); nil uses math/rand/v2
	Rand func() float64
}

// BaseDelay is the delay before jitter. Non-decreasing in attempt, capped by Max.
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}

// NextDelay is the sleep after the given failed attempt (0-based)
func (b Backoff) NextDelay(attempt int) time.Duration {
	raw := b.BaseDelay(attempt)
	if raw >= b.Max {
		return b.Max
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	jitter := time.Duration((0.10 + 0.20*r()) * float64(raw))
	return min(raw+jitter, b.Max)
}

// Sleeper waits between attempts. Tests replace it to avoid real delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a timer and returns early with ctx.Err()
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
})
