package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Outbox.AckTimeout = 3 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Outbox.AckTimeout != 3*time.Second {
		t.Errorf("Outbox.AckTimeout = %v, want 3s", loaded.Outbox.AckTimeout)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
server_url = "wss://chat.example.com/ws"
log_level = "debug"

[transport]
buffer_capacity = 16

[presence]
typing_ttl = "2s"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server_url", cfg.ServerURL, "wss://chat.example.com/ws"},
		{"api_url", cfg.APIURL, def.APIURL},
		{"log_level", cfg.LogLevel, "debug"},
		{"buffer_capacity", cfg.Transport.BufferCapacity, 16},
		{"max_reconnects", cfg.Transport.MaxReconnects, def.Transport.MaxReconnects},
		{"backoff_cap", cfg.Transport.BackoffCap, 30 * time.Second},
		{"typing_ttl", cfg.Presence.TypingTTL, 2 * time.Second},
		{"max_attempts", cfg.Outbox.MaxAttempts, 5},
		{"backend retries", cfg.Backend.Retries, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad level", `log_level = "loud"`},
		{"zero buffer", "[transport]\nbuffer_capacity = 0"},
		{"jitter", "[transport]\nbackoff_jitter = 1.5"},
		{"attempts", "[outbox]\nmax_attempts = 0"},
		{"syntax", "server_url = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Transport.BufferCapacity != 256 {
		t.Errorf("BufferCapacity = %d, want default 256", cfg.Transport.BufferCapacity)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
