package outbox

import (
	"context"
	"sort"
	"sync"
)

// Result classifies one external send.
type Result int

const (
	// Delivered means the channel confirmed delivery.
	Delivered Result = iota
	// Unresolvable means the recipient maps to no deliverable destination.
	// Retrying will not help.
	Unresolvable
	// Transient means the send failed in a way that may succeed later.
	Transient
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Unresolvable:
		return "unresolvable"
	default:
		return "transient"
	}
}

// Outcome is what an Adapter reports for one send.
type Outcome struct {
	Result Result
	Err    error
}

// Adapter sends one notification over one channel. Implementations must
// honor ctx and report Delivered only on genuine success.
type Adapter interface {
	Send(ctx context.Context, recipient, content, fileRef string) Outcome
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, recipient, content, fileRef string) Outcome

// Send calls f.
func (f AdapterFunc) Send(ctx context.Context, recipient, content, fileRef string) Outcome {
	return f(ctx, recipient, content, fileRef)
}

// Adapters maps channel names to adapters.
type Adapters struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

// NewAdapters creates an empty registry.
func NewAdapters() *Adapters {
	return &Adapters{m: make(map[string]Adapter)}
}

// Register sets the adapter for channel, replacing any previous one.
func (a *Adapters) Register(channel string, adapter Adapter) {
	a.mu.Lock()
	a.m[channel] = adapter
	a.mu.Unlock()
}

// Lookup returns the adapter for channel.
func (a *Adapters) Lookup(channel string) (Adapter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ad, ok := a.m[channel]
	return ad, ok
}

// Channels returns the registered channel names, sorted.
func (a *Adapters) Channels() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.m))
	for ch := range a.m {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
