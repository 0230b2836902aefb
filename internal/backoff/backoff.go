// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Defaults shared by transport reconnects and outbox retries.
const (
	DefaultBase   = time.Second
	DefaultFactor = 2.0
	DefaultCap    = 30 * time.Second
	DefaultJitter = 0.2
)

// Backoff describes an exponential delay schedule.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction, 0.2 means +-20%

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default returns the 1s/x2/30s/+-20% schedule.
func Default() Backoff {
	return Backoff{
		Base:   DefaultBase,
		Factor: DefaultFactor,
		Cap:    DefaultCap,
		Jitter: DefaultJitter,
	}
}

// Raw returns the un-jittered delay before retry number attempt (1-based).
// The result never exceeds Cap.
func (b Backoff) Raw(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// Delay returns Raw(attempt) scaled by a random factor in [1-Jitter, 1+Jitter].
func (b Backoff) Delay(attempt int) time.Duration {
	raw := b.Raw(attempt)
	if b.Jitter <= 0 {
		return raw
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	scale := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(raw) * scale)
}
