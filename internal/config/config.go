// Package config handles painelbot configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sync-core configuration.
type Config struct {
	// Connection
	ServerURL string `yaml:"server_url"` // WebSocket URL (ws:// or wss://)
	Token     string `yaml:"token"`      // API token sent on the handshake

	// Reconnection policy
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnects     int           `yaml:"max_reconnects"` // 0 = unlimited

	// Caches and queue
	LogTailLimit      int `yaml:"log_tail_limit"`
	NotificationLimit int `yaml:"notification_limit"`

	// Snapshot API
	HTTPAddr string `yaml:"http_addr"`

	// Periodic refresh cron spec, robfig/cron syntax
	RefreshSpec string `yaml:"refresh_spec"`

	// Behavior
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with default values. The server URL falls
// back to the local origin so a colocated backend works with no config file.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:         "ws://127.0.0.1:3000/ws",
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 5 * time.Second,
		MaxReconnects:     0,
		LogTailLimit:      200,
		NotificationLimit: 5,
		HTTPAddr:          ":8790",
		RefreshSpec:       "@every 30s",
		LogLevel:          "info",
	}
}

// Load reads the config file at path, then applies environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env + defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if url := os.Getenv("PAINELBOT_URL"); url != "" {
		cfg.ServerURL = url
	}
	if token := os.Getenv("PAINELBOT_TOKEN"); token != "" {
		cfg.Token = token
	}
	if addr := os.Getenv("PAINELBOT_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if spec := os.Getenv("PAINELBOT_REFRESH_SPEC"); spec != "" {
		cfg.RefreshSpec = spec
	}
	if level := os.Getenv("PAINELBOT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if v := os.Getenv("PAINELBOT_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnects = n
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.ReconnectMinDelay < time.Second {
		return errors.New("reconnect min delay must be at least 1 second")
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return errors.New("reconnect max delay must not be below the min delay")
	}
	if c.MaxReconnects < 0 {
		return errors.New("max reconnects must not be negative")
	}
	if c.NotificationLimit < 1 {
		return errors.New("notification limit must be at least 1")
	}
	if c.LogTailLimit < 1 {
		return errors.New("log tail limit must be at least 1")
	}
	return nil
}
