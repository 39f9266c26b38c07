package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 30*time.Second, cfg.Sync.Interval)
	require.Equal(t, 3, cfg.Sync.RetryAttempts)
	require.Equal(t, 5*time.Second, cfg.Sync.RetryDelay)
	require.Equal(t, "networkFirst", cfg.Cache.Strategy)
	require.Equal(t, 24*time.Hour, cfg.Cache.MaxAge)
	require.Equal(t, int64(100*1024*1024), cfg.Cache.MaxSize)
	require.Equal(t, 30*time.Second, cfg.Network.Timeout)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "/var/lib/engine/data.db"

[sync]
interval = "1m"
retry_attempts = 5

[cache]
strategy = "staleWhileRevalidate"
max_size = 1048576

[network]
probe_url = "https://api.example.com/health"

[remote]
base_url = "https://api.example.com"

[intents]
queueable = ["ARCHIVE_NOTE"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "/var/lib/engine/data.db", cfg.Database.Path)
	require.Equal(t, time.Minute, cfg.Sync.Interval)
	require.Equal(t, 5, cfg.Sync.RetryAttempts)
	require.Equal(t, 5*time.Second, cfg.Sync.RetryDelay, "unset keys keep defaults")
	require.Equal(t, "staleWhileRevalidate", cfg.Cache.Strategy)
	require.Equal(t, int64(1048576), cfg.Cache.MaxSize)
	require.Equal(t, []string{"ARCHIVE_NOTE"}, cfg.Intents.Queueable)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "syntax", body: "[sync\n", want: "loading config"},
		{name: "unknown key", body: "[sync]\nintervall = \"1m\"\n", want: "unknown keys: sync.intervall"},
		{name: "bad duration", body: "[sync]\ninterval = \"soon\"\n", want: "loading config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.ErrorContains(t, err, tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "strategy", mutate: func(c *Config) { c.Cache.Strategy = "fastest" }, want: "cache.strategy"},
		{name: "retry attempts", mutate: func(c *Config) { c.Sync.RetryAttempts = 0 }, want: "sync.retry_attempts"},
		{name: "max delay", mutate: func(c *Config) { c.Sync.MaxRetryDelay = time.Second }, want: "sync.max_retry_delay"},
		{name: "database path", mutate: func(c *Config) { c.Database.Path = "" }, want: "database.path"},
		{name: "remote url", mutate: func(c *Config) { c.Remote.BaseURL = "ftp://example.com" }, want: "remote.base_url"},
		{name: "probe url", mutate: func(c *Config) { c.Network.ProbeURL = "http://" }, want: "network.probe_url"},
		{name: "log level", mutate: func(c *Config) { c.Debug.LogLevel = "trace" }, want: "debug.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Sync.RetryAttempts = 0
	cfg.Cache.Strategy = "fastest"
	err := cfg.Validate()
	require.ErrorContains(t, err, "sync.retry_attempts")
	require.ErrorContains(t, err, "cache.strategy")
}
