package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "ws://127.0.0.1:3000/ws", cfg.ServerURL)
	assert.Equal(t, time.Second, cfg.ReconnectMinDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 0, cfg.MaxReconnects)
	assert.Equal(t, 5, cfg.NotificationLimit)
	assert.Equal(t, 200, cfg.LogTailLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ServerURL, cfg.ServerURL)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server_url: wss://painel.example.com/ws\n"+
			"notification_limit: 8\n"+
			"log_level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://painel.example.com/ws", cfg.ServerURL)
	assert.Equal(t, 8, cfg.NotificationLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep defaults.
	assert.Equal(t, 5*time.Second, cfg.ReconnectMaxDelay)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://from-file/ws\n"), 0o600))

	t.Setenv("PAINELBOT_URL", "ws://from-env/ws")
	t.Setenv("PAINELBOT_MAX_RECONNECTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://from-env/ws", cfg.ServerURL)
	assert.Equal(t, 7, cfg.MaxReconnects)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unclosed\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(*Config) {}, false},
		{"empty url", func(c *Config) { c.ServerURL = "" }, true},
		{"min delay too small", func(c *Config) { c.ReconnectMinDelay = 100 * time.Millisecond }, true},
		{"max below min", func(c *Config) { c.ReconnectMaxDelay = 500 * time.Millisecond }, true},
		{"negative reconnects", func(c *Config) { c.MaxReconnects = -1 }, true},
		{"zero notification limit", func(c *Config) { c.NotificationLimit = 0 }, true},
		{"zero log tail", func(c *Config) { c.LogTailLimit = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
