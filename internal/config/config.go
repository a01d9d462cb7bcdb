// Package config loads netzone's YAML configuration.
//
// The file lives at $XDG_CONFIG_HOME/netzone/config.yaml (default
// ~/.config/netzone/config.yaml). A missing file means all defaults;
// keys present in the file override the defaults one by one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/lifecycle"
	"github.com/blackwell-systems/netzone/internal/notify"
	"github.com/blackwell-systems/netzone/internal/resource"
	"github.com/blackwell-systems/netzone/internal/retry"
)

const appName = "netzone"

// Config is the complete daemon configuration.
type Config struct {
	Daemon        DaemonConfig    `yaml:"daemon"`
	Lifecycle     LifecycleConfig `yaml:"lifecycle"`
	Retry         retry.Config    `yaml:"retry"`
	Resources     resource.Config `yaml:"resources"`
	Notifications notify.Config   `yaml:"notifications"`
	Paths         Paths           `yaml:"paths"`
}

// DaemonConfig controls the scan loop and IPC socket.
type DaemonConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	SocketPath   string        `yaml:"socket_path"`
	// PrivacyMode is "high", "medium" or "low".
	PrivacyMode string `yaml:"privacy_mode"`
	// WiFiDevice is the iwd station used when nmcli is unavailable.
	WiFiDevice string `yaml:"wifi_device"`
	// HistoryRetention bounds the zone change history; zero keeps it
	// forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
	// UseDNSCache benchmarks resolvers with dns-bench after a zone
	// change when the current network has no fresh result.
	UseDNSCache bool `yaml:"use_dns_cache"`
}

// LifecycleConfig controls interface and suspend monitoring.
type LifecycleConfig struct {
	Interfaces           []string      `yaml:"interfaces"`
	NetworkPollInterval  time.Duration `yaml:"network_poll_interval"`
	SuspendCheckInterval time.Duration `yaml:"suspend_check_interval"`
	WiFiSettleDelay      time.Duration `yaml:"wifi_settle_delay"`
}

// Paths locates the files the daemon keeps.
type Paths struct {
	StateDir string `yaml:"state_dir"`
	CacheDir string `yaml:"cache_dir"`
	DBPath   string `yaml:"db_path"`
}

// Dir returns the netzone config directory, respecting XDG_CONFIG_HOME.
func Dir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func xdgDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, appName), nil
}

// Default returns the built-in configuration. Paths that depend on the
// environment are left empty and filled in by Resolve.
func Default() *Config {
	lc := lifecycle.DefaultConfig("")
	return &Config{
		Daemon: DaemonConfig{
			ScanInterval:     30 * time.Second,
			PrivacyMode:      "high",
			WiFiDevice:       "wlan0",
			HistoryRetention: 90 * 24 * time.Hour,
			UseDNSCache:      true,
		},
		Lifecycle: LifecycleConfig{
			Interfaces:           lc.Interfaces,
			NetworkPollInterval:  lc.NetworkPollInterval,
			SuspendCheckInterval: lc.SuspendCheckInterval,
			WiFiSettleDelay:      lc.WiFiSettleDelay,
		},
		Retry:         retry.DefaultConfig(),
		Resources:     resource.DefaultConfig(),
		Notifications: notify.DefaultConfig(),
	}
}

// Load reads the config file at path over the defaults, fills in
// default paths and validates the result. An empty path means
// DefaultPath. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve fills empty paths with their XDG defaults and expands a
// leading "~/".
func (c *Config) Resolve() error {
	var err error
	if c.Paths.StateDir == "" {
		if c.Paths.StateDir, err = xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state")); err != nil {
			return err
		}
	}
	if c.Paths.CacheDir == "" {
		if c.Paths.CacheDir, err = xdgDir("XDG_CACHE_HOME", ".cache"); err != nil {
			return err
		}
	}
	for _, p := range []*string{&c.Paths.StateDir, &c.Paths.CacheDir, &c.Paths.DBPath, &c.Daemon.SocketPath} {
		if *p, err = expandHome(*p); err != nil {
			return err
		}
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = filepath.Join(c.Paths.StateDir, appName+".db")
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = DefaultSocketPath(c.Paths.StateDir)
	}
	return nil
}

// DefaultSocketPath puts the socket in $XDG_RUNTIME_DIR when it is set
// and in stateDir otherwise.
func DefaultSocketPath(stateDir string) string {
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, appName+".sock")
	}
	return filepath.Join(stateDir, appName+".sock")
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	if c.Daemon.ScanInterval < time.Second {
		return fmt.Errorf("daemon.scan_interval must be at least 1s, got %s", c.Daemon.ScanInterval)
	}
	if _, err := fingerprint.ParsePrivacyMode(c.Daemon.PrivacyMode); err != nil {
		return fmt.Errorf("daemon.privacy_mode: %w", err)
	}
	if c.Daemon.HistoryRetention < 0 {
		return fmt.Errorf("daemon.history_retention must not be negative")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	r := c.Resources
	if r.MaxConcurrent < 1 {
		return fmt.Errorf("resources.max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}
	if r.MaxTasks < 1 {
		return fmt.Errorf("resources.max_tasks must be at least 1, got %d", r.MaxTasks)
	}
	if r.AcquireTimeout <= 0 || r.TaskTimeout <= 0 {
		return fmt.Errorf("resources timeouts must be positive")
	}
	if r.Batch.WiFiBatchSize < 1 || r.Batch.BluetoothBatchSize < 1 {
		return fmt.Errorf("resources.batch sizes must be at least 1")
	}
	if r.Batch.CheckInterval <= 0 || r.Batch.MaxBatchWait <= 0 {
		return fmt.Errorf("resources.batch intervals must be positive")
	}
	if r.Cache.MaxEntries < 1 {
		return fmt.Errorf("resources.cache.max_entries must be at least 1, got %d", r.Cache.MaxEntries)
	}

	if c.Lifecycle.NetworkPollInterval < 0 || c.Lifecycle.SuspendCheckInterval < 0 {
		return fmt.Errorf("lifecycle intervals must not be negative")
	}
	return nil
}

// Privacy returns the parsed privacy mode.
func (c *Config) Privacy() fingerprint.PrivacyMode {
	m, _ := fingerprint.ParsePrivacyMode(c.Daemon.PrivacyMode)
	return m
}

// LifecycleSettings returns the lifecycle manager configuration.
func (c *Config) LifecycleSettings() lifecycle.Config {
	return lifecycle.Config{
		StatePath:            filepath.Join(c.Paths.StateDir, lifecycle.StateFileName),
		Interfaces:           c.Lifecycle.Interfaces,
		NetworkPollInterval:  c.Lifecycle.NetworkPollInterval,
		SuspendCheckInterval: c.Lifecycle.SuspendCheckInterval,
		WiFiSettleDelay:      c.Lifecycle.WiFiSettleDelay,
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
