// Package config loads the daemon configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInsecurePermissions is returned when a file holding a NATS token
	// is readable by group or others.
	ErrInsecurePermissions = errors.New("config file has insecure permissions")
)

// FileName is the config file name searched for in standard locations.
const FileName = "syncd.toml"

// Config is the complete daemon configuration.
type Config struct {
	Computer      ComputerConfig      `toml:"computer"`
	NATS          NATSConfig          `toml:"nats"`
	Cache         CacheConfig         `toml:"cache"`
	Sync          SyncConfig          `toml:"sync"`
	Outbox        OutboxConfig        `toml:"outbox"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	Shutdown      ShutdownConfig      `toml:"shutdown"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Log           LogConfig           `toml:"log"`
}

// ComputerConfig identifies this computer.
type ComputerConfig struct {
	Name         string   `toml:"name"`
	Capabilities []string `toml:"capabilities"`
}

// NATSConfig configures the peer transport. An empty URL runs the daemon
// on an in-process bus with no peers.
type NATSConfig struct {
	URL   string `toml:"url"`
	Name  string `toml:"name"`
	Token string `toml:"token"`

	// Stream is the JetStream stream carrying session events.
	Stream string `toml:"stream"`

	// EventRetention bounds how long events stay replayable.
	EventRetention time.Duration `toml:"event_retention"`
}

// CacheConfig overrides category lifetimes. Zero keeps the default.
type CacheConfig struct {
	PresenceTTL time.Duration `toml:"presence_ttl"`
	ProjectTTL  time.Duration `toml:"project_ttl"`
	TodoTTL     time.Duration `toml:"todo_ttl"`
}

// SyncConfig configures cross-computer sync.
type SyncConfig struct {
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	PullTimeout        time.Duration `toml:"pull_timeout"`
	ReconcileInterval  time.Duration `toml:"reconcile_interval"`
	MaxConcurrentPulls int           `toml:"max_concurrent_pulls"`

	// Peers are always pulled, online or not.
	Peers []string `toml:"peers"`

	// Interests are the categories pulled at startup.
	Interests []string `toml:"interests"`
}

// OutboxConfig configures the notification outbox and delivery worker.
type OutboxConfig struct {
	DBPath       string        `toml:"db_path"`
	BatchSize    int           `toml:"batch_size"`
	Concurrency  int           `toml:"concurrency"`
	PollInterval time.Duration `toml:"poll_interval"`
	SendTimeout  time.Duration `toml:"send_timeout"`
	// MaxAttempts is the highest attempt_count still retried.
	MaxAttempts int           `toml:"max_attempts"`
	BackoffBase time.Duration `toml:"backoff_base"`
	BackoffCap  time.Duration `toml:"backoff_cap"`

	// Rates caps sends per channel, keyed by channel name.
	Rates map[string]RateConfig `toml:"rates"`
}

// RateConfig allows Capacity sends per Window.
type RateConfig struct {
	Capacity int           `toml:"capacity"`
	Window   time.Duration `toml:"window"`
}

// SubscriptionsConfig points at the per-person subscription file.
type SubscriptionsConfig struct {
	Path string `toml:"path"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	// Grace is how long background tasks get to finish after cancellation.
	Grace time.Duration `toml:"grace"`

	// Timeout bounds the whole shutdown sequence.
	Timeout time.Duration `toml:"timeout"`
}

// TelemetryConfig configures tracing and the outbox audit trail.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"`
	Insecure bool   `toml:"insecure"`
	Debug    bool   `toml:"debug"`

	// Events is an exporter spec: "", "file:<path>" or an http(s) URL.
	Events string `toml:"events"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	name, _ := os.Hostname()
	return &Config{
		Computer: ComputerConfig{Name: sanitizeName(name)},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Stream:         "TELECLAUDE_EVENTS",
			EventRetention: 24 * time.Hour,
		},
		Cache: CacheConfig{
			PresenceTTL: 60 * time.Second,
			ProjectTTL:  5 * time.Minute,
			TodoTTL:     5 * time.Minute,
		},
		Sync: SyncConfig{
			HeartbeatInterval:  15 * time.Second,
			PullTimeout:        3 * time.Second,
			ReconcileInterval:  30 * time.Second,
			MaxConcurrentPulls: 8,
			Interests:          []string{"project", "todo", "session"},
		},
		Outbox: OutboxConfig{
			DBPath:       defaultDataPath("outbox.db"),
			BatchSize:    16,
			Concurrency:  4,
			PollInterval: 5 * time.Second,
			SendTimeout:  10 * time.Second,
			MaxAttempts:  5,
			BackoffBase:  2 * time.Second,
			BackoffCap:   10 * time.Minute,
		},
		Shutdown: ShutdownConfig{
			Grace:   5 * time.Second,
			Timeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{Protocol: "http"},
		Log:       LogConfig{Level: "info"},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	name := c.Computer.Name
	if name == "" || strings.ContainsAny(name, ".*> \t") {
		return fmt.Errorf("%w: computer.name %q must be non-empty without dots, wildcards or spaces", ErrInvalidConfig, name)
	}
	for _, p := range c.Sync.Peers {
		if p == "" || strings.ContainsAny(p, ".*> \t") {
			return fmt.Errorf("%w: sync.peers entry %q", ErrInvalidConfig, p)
		}
	}
	for _, cat := range c.Sync.Interests {
		switch cat {
		case "project", "todo", "session":
		default:
			return fmt.Errorf("%w: sync.interests entry %q is not pullable", ErrInvalidConfig, cat)
		}
	}
	if c.Outbox.BackoffCap > 0 && c.Outbox.BackoffBase > c.Outbox.BackoffCap {
		return fmt.Errorf("%w: outbox.backoff_base exceeds outbox.backoff_cap", ErrInvalidConfig)
	}
	for ch, r := range c.Outbox.Rates {
		if r.Capacity < 0 || r.Window < 0 {
			return fmt.Errorf("%w: outbox.rates.%s must not be negative", ErrInvalidConfig, ch)
		}
	}
	switch c.Telemetry.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("%w: telemetry.protocol %q (use grpc or http)", ErrInvalidConfig, c.Telemetry.Protocol)
	}
	return nil
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "teleclaude", FileName))
	}
	return paths
}

// Load reads the config from path, or from the first standard location
// that exists when path is empty. With no file at all it returns Default.
// The returned string is the file used, if any.
func Load(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := LoadFile(path)
		return cfg, path, err
	}
	for _, p := range StandardPaths() {
		if _, err := os.Stat(p); err == nil {
			cfg, err := LoadFile(p)
			return cfg, p, err
		}
	}
	cfg := Default()
	return cfg, "", cfg.Validate()
}

// LoadFile decodes path over Default and validates the result. Unknown
// keys are rejected.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s in %s", ErrInvalidConfig, undecoded[0], path)
	}

	if cfg.NATS.Token != "" && runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o and holds a token (use 0600)",
				ErrInsecurePermissions, path, mode)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDataPath(file string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return file
	}
	return filepath.Join(home, ".local", "share", "teleclaude", file)
}

// sanitizeName turns a hostname into a subject-safe computer name.
func sanitizeName(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t':
			return '-'
		}
		return r
	}, host)
}
