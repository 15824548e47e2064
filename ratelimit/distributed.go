package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/clock"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// DistributedConfig configures a distributed rate limiter.
type DistributedConfig struct {
	// Bus carries capacity updates between computers.
	Bus bus.MessageBus

	// ComputerName identifies this computer in updates.
	ComputerName string

	// ReduceFactor is the multiplier when reducing capacity (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is how often reduced capacity is raised again.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor is the multiplier when recovering capacity (>1).
	// Default: 1.1
	RecoveryFactor float64

	Clock  clock.Clock
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil || c.ComputerName == "" {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

type resourceConfig struct {
	original int
	window   time.Duration
}

// DistributedLimiter shares channel capacity reductions across computers.
// Every computer sending through the same bot account sees the same
// pushback, so one computer's 429 slows them all. Capacity recovers
// gradually, never above what was configured.
type DistributedLimiter struct {
	config DistributedConfig
	local  *MemoryLimiter
	clock  clock.Clock
	logger *logging.Logger
	sub    bus.Subscription

	mu            sync.Mutex
	resources     map[string]*resourceConfig
	lastReduction map[string]time.Time
	onChange      OnCapacityChange
}

// NewDistributedLimiter creates the limiter and subscribes to updates.
// Run must be spawned to apply them.
func NewDistributedLimiter(config DistributedConfig) (*DistributedLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultDistributedConfig()
	if config.ReduceFactor == 0 {
		config.ReduceFactor = def.ReduceFactor
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = def.RecoveryInterval
	}
	if config.RecoveryFactor <= 1 {
		config.RecoveryFactor = def.RecoveryFactor
	}

	sub, err := config.Bus.Subscribe(CapacitySubject)
	if err != nil {
		return nil, err
	}
	clk := clock.OrReal(config.Clock)
	return &DistributedLimiter{
		config:        config,
		local:         NewMemoryLimiter(clk),
		clock:         clk,
		logger:        logging.OrDiscard(config.Logger).WithComponent("ratelimit"),
		sub:           sub,
		resources:     make(map[string]*resourceConfig),
		lastReduction: make(map[string]time.Time),
	}, nil
}

// Run applies peer updates and recovers capacity until ctx is done.
func (d *DistributedLimiter) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return bus.ErrClosed
			}
			d.handleUpdate(msg)
		case <-ticker.C:
			d.attemptRecovery()
		}
	}
}

func (d *DistributedLimiter) handleUpdate(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		d.logger.PayloadRejected("", "capacity_update", err)
		return
	}
	if update.Computer == d.config.ComputerName {
		return
	}

	d.mu.Lock()
	rc, ok := d.resources[update.Resource]
	applied := false
	if ok && update.NewCapacity > 0 && update.NewCapacity < rc.original {
		current := d.local.GetCapacity(update.Resource)
		if current == nil || update.NewCapacity < current.Total {
			d.local.SetCapacity(update.Resource, update.NewCapacity, rc.window)
			d.lastReduction[update.Resource] = d.clock.Now()
			applied = true
		}
	}
	cb := d.onChange
	d.mu.Unlock()

	if applied {
		d.logger.Info("capacity_reduced_by_peer", map[string]interface{}{
			"resource": update.Resource,
			"peer":     update.Computer,
			"capacity": update.NewCapacity,
			"reason":   update.Reason,
		})
	}
	if cb != nil {
		cb(&update)
	}
}

func (d *DistributedLimiter) attemptRecovery() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for resource, last := range d.lastReduction {
		if now.Sub(last) < d.config.RecoveryInterval {
			continue
		}
		rc, ok := d.resources[resource]
		cur := d.local.GetCapacity(resource)
		if !ok || cur == nil {
			delete(d.lastReduction, resource)
			continue
		}
		next := int(float64(cur.Total) * d.config.RecoveryFactor)
		if next <= cur.Total {
			next = cur.Total + 1
		}
		if next >= rc.original {
			next = rc.original
			delete(d.lastReduction, resource)
		}
		d.local.SetCapacity(resource, next, rc.window)
	}
}

func (d *DistributedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	d.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(d.resources, resource)
		delete(d.lastReduction, resource)
	} else {
		d.resources[resource] = &resourceConfig{original: capacity, window: window}
	}
	d.mu.Unlock()

	d.local.SetCapacity(resource, capacity, window)
}

func (d *DistributedLimiter) GetCapacity(resource string) *Capacity {
	return d.local.GetCapacity(resource)
}

func (d *DistributedLimiter) Acquire(ctx context.Context, resource string) error {
	return d.local.Acquire(ctx, resource)
}

func (d *DistributedLimiter) TryAcquire(resource string) bool {
	return d.local.TryAcquire(resource)
}

// AnnounceReduced lowers capacity by ReduceFactor and tells the other
// computers.
func (d *DistributedLimiter) AnnounceReduced(resource string, reason string) {
	d.mu.Lock()
	if _, ok := d.resources[resource]; !ok {
		d.mu.Unlock()
		return
	}
	n := d.local.reduce(resource, d.config.ReduceFactor)
	d.lastReduction[resource] = d.clock.Now()
	d.mu.Unlock()

	data, err := json.Marshal(CapacityUpdate{
		Resource:    resource,
		Computer:    d.config.ComputerName,
		NewCapacity: n,
		Reason:      reason,
		Timestamp:   d.clock.Now(),
	})
	if err != nil {
		return
	}
	if err := d.config.Bus.Publish(CapacitySubject, data); err != nil {
		d.logger.Warn("capacity_announce_failed", map[string]interface{}{
			"resource": resource,
			"error":    err.Error(),
		})
	}
}

// OnCapacityChange sets a callback for peer updates.
func (d *DistributedLimiter) OnCapacityChange(cb OnCapacityChange) {
	d.mu.Lock()
	d.onChange = cb
	d.mu.Unlock()
}

func (d *DistributedLimiter) Close() error {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	return d.local.Close()
}

var _ RateLimiter = (*DistributedLimiter)(nil)
