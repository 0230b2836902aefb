package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"`
	APIURL         string `toml:"api_url"`
	LogLevel       string `toml:"log_level"`

	Transport Transport `toml:"transport"`
	Outbox    Outbox    `toml:"outbox"`
	Presence  Presence  `toml:"presence"`
	Backend   Backend   `toml:"backend"`
}

// Transport tunes the websocket connection.
type Transport struct {
	BufferCapacity int           `toml:"buffer_capacity"`
	MaxReconnects  int           `toml:"max_reconnects"`
	BackoffBase    time.Duration `toml:"backoff_base"`
	BackoffFactor  float64       `toml:"backoff_factor"`
	BackoffCap     time.Duration `toml:"backoff_cap"`
	BackoffJitter  float64       `toml:"backoff_jitter"`
}

// Outbox tunes message delivery.
type Outbox struct {
	MaxAttempts   int           `toml:"max_attempts"`
	AckTimeout    time.Duration `toml:"ack_timeout"`
	DrainInterval time.Duration `toml:"drain_interval"`
}

// Presence tunes ephemeral state.
type Presence struct {
	TypingTTL time.Duration `toml:"typing_ttl"`
}

// Backend tunes the REST client.
type Backend struct {
	Timeout time.Duration `toml:"timeout"`
	Retries int           `toml:"retries"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ServerURL: "ws://localhost:8080/ws",
		APIURL:    "http://localhost:8080",
		LogLevel:  "info",
		Transport: Transport{
			BufferCapacity: 256,
			MaxReconnects:  10,
			BackoffBase:    time.Second,
			BackoffFactor:  2,
			BackoffCap:     30 * time.Second,
			BackoffJitter:  0.2,
		},
		Outbox: Outbox{
			MaxAttempts:   5,
			AckTimeout:    10 * time.Second,
			DrainInterval: 500 * time.Millisecond,
		},
		Presence: Presence{TypingTTL: 6 * time.Second},
		Backend: Backend{
			Timeout: 10 * time.Second,
			Retries: 3,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Transport.BufferCapacity <= 0 {
		return fmt.Errorf("transport.buffer_capacity must be positive")
	}
	if c.Transport.BackoffJitter < 0 || c.Transport.BackoffJitter >= 1 {
		return fmt.Errorf("transport.backoff_jitter must be in [0, 1)")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
