package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) == 0 || paths[0] != FileName {
		t.Errorf("first path should be %s, got %v", FileName, paths)
	}
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	cfg.Computer.Name = "laptop"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Outbox.MaxAttempts != 5 || cfg.Sync.PullTimeout != 3*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[computer]
name = "workstation"
capabilities = ["tmux", "gpu"]

[sync]
pull_timeout = "1500ms"
peers = ["laptop", "server"]

[outbox]
db_path = "/tmp/outbox.db"
max_attempts = 8
backoff_base = "1s"
backoff_cap = "2m"

[outbox.rates.telegram]
capacity = 20
window = "1m"
`, 0o644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Computer.Name != "workstation" || len(cfg.Computer.Capabilities) != 2 {
		t.Errorf("computer = %+v", cfg.Computer)
	}
	if cfg.Sync.PullTimeout != 1500*time.Millisecond {
		t.Errorf("pull_timeout = %v", cfg.Sync.PullTimeout)
	}
	if cfg.Sync.ReconcileInterval != 30*time.Second {
		t.Errorf("unset keys should keep defaults, got %v", cfg.Sync.ReconcileInterval)
	}
	if cfg.Outbox.MaxAttempts != 8 || cfg.Outbox.BackoffCap != 2*time.Minute {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
	if r := cfg.Outbox.Rates["telegram"]; r.Capacity != 20 || r.Window != time.Minute {
		t.Errorf("rates = %+v", cfg.Outbox.Rates)
	}
}

func TestLoadFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dotted name", "[computer]\nname = \"my.laptop\"\n"},
		{"wildcard peer", "[computer]\nname = \"a\"\n[sync]\npeers = [\"*\"]\n"},
		{"presence interest", "[computer]\nname = \"a\"\n[sync]\ninterests = [\"presence\"]\n"},
		{"backoff order", "[computer]\nname = \"a\"\n[outbox]\nbackoff_base = \"1h\"\nbackoff_cap = \"1m\"\n"},
		{"unknown key", "[computer]\nname = \"a\"\ncolour = \"blue\"\n"},
		{"bad protocol", "[computer]\nname = \"a\"\n[telemetry]\nprotocol = \"udp\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content, 0o644)
			if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadFile_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[computer\n", 0o644)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFile_TokenRequiresPrivateFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check is unix only")
	}
	content := "[computer]\nname = \"a\"\n[nats]\ntoken = \"s3cret\"\n"

	path := writeConfig(t, content, 0o644)
	if _, err := LoadFile(path); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("expected ErrInsecurePermissions, got %v", err)
	}

	path = writeConfig(t, content, 0o600)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("private file should load: %v", err)
	}
	if cfg.NATS.Token != "s3cret" {
		t.Errorf("token = %q", cfg.NATS.Token)
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	path := writeConfig(t, "[computer]\nname = \"server\"\n", 0o644)
	cfg, used, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if used != path || cfg.Computer.Name != "server" {
		t.Errorf("Load = %q, %+v", used, cfg.Computer)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"laptop":       "laptop",
		"laptop.local": "laptop",
		"build box":    "build-box",
		"host>1":       "host-1",
	}
	for in, want := range tests {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
