// Package ratelimit paces sends to outbound notification channels.
//
// Chat bridges cap how fast one bot account may post. The MemoryLimiter is a
// per-process token bucket per channel:
//
//	limiter := ratelimit.NewMemoryLimiter(nil)
//	limiter.SetCapacity("telegram", 30, time.Second)
//	if err := limiter.Acquire(ctx, "telegram"); err != nil {
//	    return err
//	}
//
// Several computers often share one bot account. The DistributedLimiter
// wraps a MemoryLimiter and, when a channel pushes back, broadcasts the
// reduced capacity on the bus so every computer slows down together.
// Capacity then recovers gradually toward the configured value.
package ratelimit
