package supervisor

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 60 * time.Second
)

// JitterFunc picks the actual delay for a computed ceiling.
type JitterFunc func(ceiling time.Duration) time.Duration

// FullJitter returns a uniform delay in [0, ceiling].
func FullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// NoJitter returns the ceiling unchanged.
func NoJitter(ceiling time.Duration) time.Duration { return ceiling }

// Backoff yields reconnect delays: ceilings grow base, 2*base, ... capped
// at max, and never give up.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter JitterFunc
}

// NewBackoff creates a backoff. A nil jitter means FullJitter.
func NewBackoff(base, max time.Duration, jitter JitterFunc) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	if jitter == nil {
		jitter = FullJitter
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(max),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return &Backoff{exp: exp, jitter: jitter}
}

// Ceiling returns the next un-jittered delay and advances the sequence.
func (b *Backoff) Ceiling() time.Duration {
	return b.exp.NextBackOff()
}

// Next returns the next jittered delay.
func (b *Backoff) Next() time.Duration {
	return b.jitter(b.Ceiling())
}

// Reset restarts the sequence at base.
func (b *Backoff) Reset() {
	b.exp.Reset()
}
