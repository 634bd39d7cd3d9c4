package channel

import "time"

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffCap    = 30 * time.Second
	DefaultBackoffJitter = 0.2
)

// Backoff is an exponential reconnect policy. The n-th delay is
// min(Cap, Base*2^(n-1) * (1 + r*Jitter)) for r in [0,1). With Jitter <= 1 the
// jittered delay never exceeds the next un-jittered one, so consecutive delays
// are non-decreasing up to the cap.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Delay returns the wait before reconnect attempt n (1-based). r is the jitter
// sample in [0,1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	d += time.Duration(float64(d) * b.Jitter * r)
	if d > b.Cap {
		d = b.Cap
	}
	return d
}
