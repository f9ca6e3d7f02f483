package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff defines an exponential retry schedule.
type Backoff struct {
	// Min is the delay before the first retry.
	Min time.Duration `env:"MIN" envDefault:"1s"`
	// Max caps the delay.
	Max time.Duration `env:"MAX" envDefault:"30s"`
	// Factor multiplies the delay for each retry attempt.
	Factor float64 `env:"FACTOR" envDefault:"2"`
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64 `env:"JITTER" envDefault:"0.2"`
}

// Default returns base 1s, doubling, capped at 30s, 20% jitter.
func Default() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the backoff duration for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < min {
		max = min
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Wait blocks for Next(attempt) or until ctx is done, returning ctx.Err() in the latter case.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	wait := b.Next(attempt)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
