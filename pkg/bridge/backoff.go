package bridge

import (
	"math/rand/v2"
	"time"
)

// DefaultJitter is the fraction of the delay added at random.
const DefaultJitter = 0.2

// Backoff produces jittered exponential delays. Consecutive delays never
// decrease and never exceed Max. Each Backoff settles on its own ceiling in
// [Max*(1-Jitter), Max], so sessions stuck at the cap keep distinct delays.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	ResetAfter time.Duration
	Jitter     float64
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64

	attempt int
	last    time.Duration
	ceiling time.Duration
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	if b.ceiling == 0 {
		b.ceiling = b.Max - time.Duration(float64(b.Max)*b.Jitter*r())
		if b.ceiling < b.Base {
			b.ceiling = min(b.Base, b.Max)
		}
	}

	d := b.Base
	for i := 0; i < b.attempt && d < b.ceiling; i++ {
		d *= 2
	}
	d += time.Duration(float64(d) * b.Jitter * r())
	if d > b.ceiling {
		d = b.ceiling
	}
	if d < b.last {
		d = b.last
	}

	b.last = d
	b.attempt++
	return d
}

// Reset returns the backoff to the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
	b.ceiling = 0
}

// Observe resets the backoff when a connection stayed up for at least ResetAfter.
func (b *Backoff) Observe(connectedFor time.Duration) {
	if connectedFor >= b.ResetAfter {
		b.Reset()
	}
}

// Attempts returns how many delays were handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
