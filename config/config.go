// Package config loads engine configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete engine configuration.
type Config struct {
	Database     DatabaseConfig     `toml:"database"`
	Sync         SyncConfig         `toml:"sync"`
	Cache        CacheConfig        `toml:"cache"`
	Network      NetworkConfig      `toml:"network"`
	Remote       RemoteConfig       `toml:"remote"`
	Registration RegistrationConfig `toml:"registration"`
	Intents      IntentsConfig      `toml:"intents"`
	Server       ServerConfig       `toml:"server"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Debug        DebugConfig        `toml:"debug"`
}

// DatabaseConfig locates the local store.
type DatabaseConfig struct {
	// Path is the bbolt database file.
	Path string `toml:"path"`
	// NoSync skips fsync on commit. Only safe for tests.
	NoSync bool `toml:"no_sync"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Interval      time.Duration `toml:"interval"`
	RetryAttempts int           `toml:"retry_attempts"`
	RetryDelay    time.Duration `toml:"retry_delay"`
	MaxRetryDelay time.Duration `toml:"max_retry_delay"`
	BatchSize     int           `toml:"batch_size"`
	Concurrency   int           `toml:"concurrency"`
}

// CacheConfig controls the cache layer.
type CacheConfig struct {
	// Strategy is cacheFirst, networkFirst or staleWhileRevalidate.
	Strategy      string        `toml:"strategy"`
	Namespace     string        `toml:"namespace"`
	MaxAge        time.Duration `toml:"max_age"`
	MaxSize       int64         `toml:"max_size"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// NetworkConfig controls remote requests and reachability detection.
type NetworkConfig struct {
	// Timeout bounds each remote request.
	Timeout time.Duration `toml:"timeout"`
	// ProbeURL is checked periodically when set.
	ProbeURL      string        `toml:"probe_url"`
	ProbeInterval time.Duration `toml:"probe_interval"`
	// SignalFile shares connectivity transitions between engine instances.
	SignalFile string `toml:"signal_file"`
}

// RemoteConfig locates the authoritative backend.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	// SecretsFile is a secrets template whose tokens override Token and
	// server.auth_token.
	SecretsFile string `toml:"secrets_file"`
}

// RegistrationConfig controls the instance presence file.
type RegistrationConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// IntentsConfig overrides the intent routing policy. Empty lists keep the
// defaults.
type IntentsConfig struct {
	Queueable  []string `toml:"queueable"`
	OnlineOnly []string `toml:"online_only"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Address   string `toml:"address"`
	AuthToken string `toml:"auth_token"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Prometheus   bool   `toml:"prometheus"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// DebugConfig controls logging.
type DebugConfig struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `toml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `toml:"log_format"`
	// LogFile, when set, receives logs with size-based rotation.
	LogFile string `toml:"log_file"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path: "offline-engine.db",
		},
		Sync: SyncConfig{
			Interval:      30 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    5 * time.Second,
			MaxRetryDelay: 5 * time.Minute,
			BatchSize:     10,
			Concurrency:   1,
		},
		Cache: CacheConfig{
			Strategy:      "networkFirst",
			Namespace:     "offline-cache-v1",
			MaxAge:        24 * time.Hour,
			MaxSize:       100 * 1024 * 1024,
			SweepInterval: 5 * time.Minute,
		},
		Network: NetworkConfig{
			Timeout:       30 * time.Second,
			ProbeInterval: 15 * time.Second,
		},
		Registration: RegistrationConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8080",
		},
		Debug: DebugConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("loading config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.RetryAttempts < 1 {
		errs = append(errs, errors.New("sync.retry_attempts must be at least 1"))
	}
	if c.Sync.RetryDelay <= 0 {
		errs = append(errs, errors.New("sync.retry_delay must be positive"))
	}
	if c.Sync.MaxRetryDelay < c.Sync.RetryDelay {
		errs = append(errs, errors.New("sync.max_retry_delay must not be less than sync.retry_delay"))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, errors.New("sync.batch_size must be at least 1"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("sync.concurrency must be at least 1"))
	}

	switch c.Cache.Strategy {
	case "cacheFirst", "networkFirst", "staleWhileRevalidate":
	default:
		errs = append(errs, fmt.Errorf("cache.strategy %q is not one of cacheFirst, networkFirst, staleWhileRevalidate", c.Cache.Strategy))
	}
	if c.Cache.Namespace == "" {
		errs = append(errs, errors.New("cache.namespace is required"))
	}
	if c.Cache.MaxSize < 0 {
		errs = append(errs, errors.New("cache.max_size must not be negative"))
	}
	if c.Cache.SweepInterval <= 0 {
		errs = append(errs, errors.New("cache.sweep_interval must be positive"))
	}

	if c.Network.Timeout <= 0 {
		errs = append(errs, errors.New("network.timeout must be positive"))
	}
	if c.Network.ProbeURL != "" {
		if err := validURL(c.Network.ProbeURL); err != nil {
			errs = append(errs, fmt.Errorf("network.probe_url: %w", err))
		}
		if c.Network.ProbeInterval <= 0 {
			errs = append(errs, errors.New("network.probe_interval must be positive"))
		}
	}

	if c.Remote.BaseURL != "" {
		if err := validURL(c.Remote.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("remote.base_url: %w", err))
		}
	}

	switch c.Debug.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("debug.log_level %q is not one of debug, info, warn, error", c.Debug.LogLevel))
	}
	switch c.Debug.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("debug.log_format %q is not one of text, json", c.Debug.LogFormat))
	}

	return errors.Join(errs...)
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
