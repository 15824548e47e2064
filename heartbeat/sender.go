package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/clock"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// BusSender publishes this computer's heartbeat over a message bus.
type BusSender struct {
	bus      bus.MessageBus
	name     string
	interval time.Duration
	clock    clock.Clock
	logger   *logging.Logger

	mu           sync.RWMutex
	capabilities []string
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	return &BusSender{
		bus:          cfg.Bus,
		name:         cfg.ComputerName,
		interval:     interval,
		clock:        clock.OrReal(cfg.Clock),
		logger:       logging.OrDiscard(cfg.Logger).WithComponent("heartbeat"),
		capabilities: append([]string(nil), cfg.Capabilities...),
	}, nil
}

// Run sends a heartbeat immediately and then every interval until ctx is done.
// Publish failures are logged; the loop keeps going.
func (s *BusSender) Run(ctx context.Context) error {
	s.sendLogged()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sendLogged()
		}
	}
}

func (s *BusSender) sendLogged() {
	if err := s.Send(); err != nil {
		s.logger.Warn("heartbeat_publish_failed", map[string]interface{}{
			"computer": s.name,
			"error":    err.Error(),
		})
	}
}

// Send publishes one heartbeat now.
func (s *BusSender) Send() error {
	hb := s.build()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(hb.Subject(), data)
}

func (s *BusSender) build() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := make([]string, len(s.capabilities))
	copy(caps, s.capabilities)
	return &Heartbeat{
		ComputerName: s.name,
		Capabilities: caps,
		Timestamp:    s.clock.Now().UTC(),
	}
}

// SetCapabilities replaces the advertised capabilities.
func (s *BusSender) SetCapabilities(caps []string) {
	s.mu.Lock()
	s.capabilities = append([]string(nil), caps...)
	s.mu.Unlock()
}

// ComputerName returns the sender's computer name.
func (s *BusSender) ComputerName() string {
	return s.name
}
