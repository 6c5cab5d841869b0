package bridge

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestBackoffMonotoneAndBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := &Backoff{
		Base:       100 * time.Millisecond,
		Max:        5 * time.Second,
		ResetAfter: time.Minute,
		Jitter:     DefaultJitter,
		Rand:       rng.Float64,
	}

	var prev time.Duration
	for i := 0; i < 50; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay %d decreased: %s < %s", i, d, prev)
		}
		if d > b.Max {
			t.Fatalf("delay %d exceeds max: %s", i, d)
		}
		if d < b.Base {
			t.Fatalf("delay %d below base: %s", i, d)
		}
		prev = d
	}
	floor := time.Duration(float64(b.Max) * (1 - DefaultJitter))
	if prev < floor {
		t.Fatalf("expected delays to settle near max, last %s", prev)
	}
}

func TestBackoffCeilingKeepsJitter(t *testing.T) {
	newBackoff := func(v float64) *Backoff {
		return &Backoff{
			Base:   time.Second,
			Max:    8 * time.Second,
			Jitter: DefaultJitter,
			Rand:   func() float64 { return v },
		}
	}
	low, high := newBackoff(0.25), newBackoff(0.5)

	var a, b time.Duration
	for i := 0; i < 10; i++ {
		a, b = low.Next(), high.Next()
	}
	if a != 7600*time.Millisecond {
		t.Fatalf("low jitter ceiling: got %s, want 7.6s", a)
	}
	if b != 7200*time.Millisecond {
		t.Fatalf("high jitter ceiling: got %s, want 7.2s", b)
	}

	low.Reset()
	if got := low.Next(); got != 1050*time.Millisecond {
		t.Fatalf("after reset: got %s, want 1.05s", got)
	}
}

func TestBackoffDoubles(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: time.Minute, Rand: func() float64 { return 0 }}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("attempt %d: got %s, want %s", i, got, w*time.Second)
		}
	}
}

func TestBackoffResetAfterStableConnection(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: time.Minute, ResetAfter: 30 * time.Second, Rand: func() float64 { return 0 }}
	b.Next()
	b.Next()
	b.Next()

	b.Observe(10 * time.Second)
	if got := b.Next(); got != 8*time.Second {
		t.Fatalf("short connection must not reset, got %s", got)
	}

	b.Observe(30 * time.Second)
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected reset to base, got %s", got)
	}
	if b.Attempts() != 1 {
		t.Fatalf("expected 1 attempt after reset, got %d", b.Attempts())
	}
}

func TestBackoffJitterStaysMonotone(t *testing.T) {
	// Alternating high and low jitter must not produce a shorter delay.
	vals := []float64{0, 0.99, 0}
	i := 0
	b := &Backoff{Base: time.Second, Max: 4 * time.Second, Jitter: 1, Rand: func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}}
	first := b.Next()
	second := b.Next()
	if second < first {
		t.Fatalf("second delay %s shorter than first %s", second, first)
	}
}
