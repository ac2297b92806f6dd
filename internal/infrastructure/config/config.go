// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Engine    EngineConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8490"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// StoreConfig holds persistent store configuration.
type StoreConfig struct {
	Path          string        `envconfig:"STORE_PATH" default:"arbor.db"`
	RetryAttempts int           `envconfig:"STORE_RETRY_ATTEMPTS" default:"4"`
	RetryBackoff  time.Duration `envconfig:"STORE_RETRY_BACKOFF" default:"250ms"`
}

// EngineConfig holds tree engine tuning.
type EngineConfig struct {
	// SaveDebounce coalesces bursts of mutations into one persistence write.
	SaveDebounce time.Duration `envconfig:"SAVE_DEBOUNCE" default:"500ms"`
	// ChildDisposition controls what happens to children of a closed tab:
	// "promote" reparents them under the removed node's parent, "root"
	// promotes them to view roots.
	ChildDisposition string `envconfig:"CHILD_DISPOSITION" default:"promote"`
	// DuplicatePosition places a duplicated tab as the original's immediate
	// next "sibling" or at the "end" of the parent's children.
	DuplicatePosition string `envconfig:"DUPLICATE_POSITION" default:"sibling"`
	// HostCallTimeout bounds outbound calls to the host bridge.
	HostCallTimeout time.Duration `envconfig:"HOST_CALL_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ARBOR", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8490",
			Host: "127.0.0.1",
		},
		Store: StoreConfig{
			Path:          "arbor.db",
			RetryAttempts: 4,
			RetryBackoff:  250 * time.Millisecond,
		},
		Engine: EngineConfig{
			SaveDebounce:      500 * time.Millisecond,
			ChildDisposition:  "promote",
			DuplicatePosition: "sibling",
			HostCallTimeout:   10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
