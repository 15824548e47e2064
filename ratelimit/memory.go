package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
)

// bucket is a token bucket refilled at capacity/window.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
}

func (b *bucket) interval() time.Duration {
	return b.window / time.Duration(b.capacity)
}

// refill credits whole tokens earned since lastRefill, keeping the
// fractional remainder.
func (b *bucket) refill(now time.Time) {
	if b.available >= b.capacity {
		b.lastRefill = now
		return
	}
	iv := b.interval()
	if iv <= 0 {
		b.available = b.capacity
		return
	}
	earned := int(now.Sub(b.lastRefill) / iv)
	if earned <= 0 {
		return
	}
	b.available += earned
	b.lastRefill = b.lastRefill.Add(time.Duration(earned) * iv)
	if b.available >= b.capacity {
		b.available = b.capacity
		b.lastRefill = now
	}
}

// untilNext is how long until the next token.
func (b *bucket) untilNext(now time.Time) time.Duration {
	d := b.lastRefill.Add(b.interval()).Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// MemoryLimiter rate-limits within one process. Safe for concurrent use.
type MemoryLimiter struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	changed chan struct{} // closed and replaced on any capacity change
}

// NewMemoryLimiter creates a limiter. A nil clock uses the wall clock.
func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		clock:   clock.OrReal(clk),
		buckets: make(map[string]*bucket),
		changed: make(chan struct{}),
	}
}

// notify wakes waiters. Caller holds mu.
func (m *MemoryLimiter) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	defer m.notify()

	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}
	now := m.clock.Now()
	if b, ok := m.buckets[resource]; ok {
		b.refill(now)
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[resource] = &bucket{
		capacity:   capacity,
		available:  capacity,
		window:     window,
		lastRefill: now,
	}
}

func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.clock.Now())
	return &Capacity{
		Resource:  resource,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
	}
}

// take tries to consume a token. When none is available it returns how long
// to wait and a channel closed on the next capacity change.
func (m *MemoryLimiter) take(resource string) (bool, time.Duration, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, 0, nil, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return false, 0, nil, ErrResourceUnknown
	}
	now := m.clock.Now()
	b.refill(now)
	if b.available > 0 {
		b.available--
		return true, 0, nil, nil
	}
	return false, b.untilNext(now), m.changed, nil
}

func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		ok, wait, changed, err := m.take(resource)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(wait):
		case <-changed:
		}
	}
}

func (m *MemoryLimiter) TryAcquire(resource string) bool {
	ok, _, _, _ := m.take(resource)
	return ok
}

// AnnounceReduced cuts local capacity by a quarter, never below one.
func (m *MemoryLimiter) AnnounceReduced(resource string, reason string) {
	m.reduce(resource, 0.75)
}

func (m *MemoryLimiter) reduce(resource string, factor float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return 0
	}
	n := int(float64(b.capacity) * factor)
	if n < 1 {
		n = 1
	}
	b.capacity = n
	if b.available > n {
		b.available = n
	}
	return n
}

func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.notify()
	return nil
}

var _ RateLimiter = (*MemoryLimiter)(nil)
