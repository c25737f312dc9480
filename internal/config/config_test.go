package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.Port != 8008 {
		t.Errorf("default port = %d, want 8008", cfg.Server.Port)
	}
	if cfg.Player.SocketPath != "/run/mpv/mpv.sock" {
		t.Errorf("default socket path = %q", cfg.Player.SocketPath)
	}
	if !cfg.Player.AutoStart {
		t.Error("auto_start should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
player:
  socket_path: /tmp/test.sock
  auto_start: false
  force_auto_start: false
  request_timeout: 1s
liveness:
  max_failures: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Player.SocketPath != "/tmp/test.sock" {
		t.Errorf("socket path = %q", cfg.Player.SocketPath)
	}
	if cfg.Player.RequestTimeout != time.Second {
		t.Errorf("request timeout = %s, want 1s", cfg.Player.RequestTimeout)
	}
	if cfg.Liveness.MaxFailures != 5 {
		t.Errorf("max failures = %d, want 5", cfg.Liveness.MaxFailures)
	}
	// Untouched fields keep their defaults.
	if cfg.Player.MalformedFrameLimit != 5 {
		t.Errorf("malformed frame limit = %d, want default 5", cfg.Player.MalformedFrameLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"ForceWithoutAuto", func(c *Config) {
			c.Player.AutoStart = false
			c.Player.ForceAutoStart = true
		}, true},
		{"NoAutoStartAtAll", func(c *Config) {
			c.Player.AutoStart = false
			c.Player.ForceAutoStart = false
		}, false},
		{"BadPort", func(c *Config) { c.Server.Port = 0 }, true},
		{"EmptySocket", func(c *Config) { c.Player.SocketPath = "" }, true},
		{"ZeroMalformedLimit", func(c *Config) { c.Player.MalformedFrameLimit = 0 }, true},
		{"InvertedBackoff", func(c *Config) {
			c.Player.BackoffMin = time.Second
			c.Player.BackoffMax = time.Millisecond
		}, true},
		{"ZeroRequestTimeout", func(c *Config) { c.Player.RequestTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
