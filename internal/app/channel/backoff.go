package channel

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes randomized exponential reconnect delays:
// min(Base * 2^attempt * U[JitterMin, JitterMax), Cap).
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	JitterMin float64
	JitterMax float64
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	jitter := b.JitterMin + r()*(b.JitterMax-b.JitterMin)
	d := float64(b.Base) * math.Pow(2, float64(attempt)) * jitter
	if b.Cap > 0 && d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}
