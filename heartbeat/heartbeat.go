package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/clock"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// Common errors.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "teleclaude.heartbeat."

// WildcardSubject matches every computer's heartbeats.
const WildcardSubject = SubjectPrefix + "*"

// Heartbeat is the presence message one computer broadcasts.
type Heartbeat struct {
	// ComputerName uniquely identifies the sending computer.
	ComputerName string `json:"computer_name"`

	// Capabilities advertised by the computer (e.g. "tmux", "telegram").
	Capabilities []string `json:"capabilities"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.ComputerName
}

// Validate checks the required fields.
func (h *Heartbeat) Validate() error {
	if strings.TrimSpace(h.ComputerName) == "" {
		return fmt.Errorf("%w: computer_name is required", ErrInvalidHeartbeat)
	}
	if strings.ContainsAny(h.ComputerName, ". *>") {
		return fmt.Errorf("%w: computer_name %q is not a subject token", ErrInvalidHeartbeat, h.ComputerName)
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidHeartbeat)
	}
	for i, c := range h.Capabilities {
		if c == "" {
			return fmt.Errorf("%w: capabilities[%d] is empty", ErrInvalidHeartbeat, i)
		}
	}
	return nil
}

// Unmarshal decodes and validates a heartbeat. Unknown fields are ignored;
// missing or mistyped required fields are rejected.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var raw struct {
		ComputerName *string   `json:"computer_name"`
		Capabilities *[]string `json:"capabilities"`
		Timestamp    *string   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}
	if raw.ComputerName == nil || raw.Timestamp == nil || raw.Capabilities == nil {
		return nil, fmt.Errorf("%w: computer_name, capabilities and timestamp are required", ErrInvalidHeartbeat)
	}
	ts, err := time.Parse(time.RFC3339Nano, *raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrInvalidHeartbeat, err)
	}

	h := &Heartbeat{
		ComputerName: *raw.ComputerName,
		Capabilities: *raw.Capabilities,
		Timestamp:    ts,
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// ComputerName is this computer's name.
	ComputerName string

	// Capabilities advertised in every heartbeat.
	Capabilities []string

	// Interval between heartbeats. Should be well under the presence TTL.
	// Default: 15 seconds
	Interval time.Duration

	// Clock is the time source. Default: real clock.
	Clock clock.Clock

	// Logger receives publish failures. Nil discards.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.ComputerName == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 15 * time.Second,
	}
}

// ListenerConfig configures a heartbeat listener.
type ListenerConfig struct {
	// Bus is the message bus for subscribing to heartbeats.
	Bus bus.MessageBus

	// Handler receives every decoded heartbeat, including this computer's own.
	Handler func(*Heartbeat) error

	// Logger receives malformed heartbeats. Nil discards.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *ListenerConfig) Validate() error {
	if c.Bus == nil || c.Handler == nil {
		return ErrInvalidConfig
	}
	return nil
}
