package webhook

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as base * 2^attempt + jitter, with jitter
// uniform in [0, min(MaxJitter, Base)) so consecutive gaps strictly grow.
type Backoff struct {
	Base      time.Duration
	MaxJitter time.Duration
	// Max caps the exponential part. Zero means no cap.
	Max time.Duration
	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64
}

// Delay returns the wait after the failure of the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for range attempt {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d + b.jitter()
}

func (b Backoff) jitter() time.Duration {
	limit := min(b.MaxJitter, b.Base)
	if limit <= 0 {
		return 0
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Int64N
	}
	return time.Duration(rnd(int64(limit)))
}
