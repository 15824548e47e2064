package outbox

import "time"

// Backoff is the retry delay policy: min(Cap, Base * 2^attempt).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff returns the default policy: 2s doubling up to 10 minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 10 * time.Minute}
}

// Delay returns the wait before the attempt following attempt failures.
// It never overflows and never exceeds Cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Cap || d > b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
