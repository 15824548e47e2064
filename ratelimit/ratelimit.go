package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// CapacitySubject carries capacity reductions between computers.
const CapacitySubject = "teleclaude.ratelimit.capacity"

// RateLimiter paces sends to shared outbound channels.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if ctx ends first, and ErrResourceUnknown
	// if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity allows capacity sends per window. A non-positive capacity
	// or window removes the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced lowers capacity after the channel pushed back
	// (e.g. HTTP 429). Distributed limiters tell the other computers.
	AnnounceReduced(resource string, reason string)

	// GetCapacity returns the current capacity, or nil if unknown.
	GetCapacity(resource string) *Capacity

	// Close wakes every waiter with ErrClosed.
	Close() error
}

// Capacity describes the limit for a resource.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
}

// CapacityUpdate is broadcast when one computer reduces a shared limit.
type CapacityUpdate struct {
	Resource    string    `json:"resource"`
	Computer    string    `json:"computer"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// OnCapacityChange is a callback for capacity updates from peers.
type OnCapacityChange func(update *CapacityUpdate)
