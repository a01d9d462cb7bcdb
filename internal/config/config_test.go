package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blackwell-systems/netzone/internal/fingerprint"
)

func setEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("XDG_RUNTIME_DIR", "")
	return dir
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestDir(t *testing.T) {
	home := setEnv(t)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() error: %v", err)
	}
	if want := filepath.Join(home, "config", "netzone"); dir != want {
		t.Errorf("Dir() = %q, want %q", dir, want)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	dir, err = Dir()
	if err != nil {
		t.Fatalf("Dir() error: %v", err)
	}
	if want := filepath.Join(home, ".config", "netzone"); dir != want {
		t.Errorf("Dir() without XDG_CONFIG_HOME = %q, want %q", dir, want)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	home := setEnv(t)

	cfg, err := Load(filepath.Join(home, "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Daemon.ScanInterval != 30*time.Second {
		t.Errorf("ScanInterval = %v, want 30s", cfg.Daemon.ScanInterval)
	}
	if cfg.Privacy() != fingerprint.PrivacyHigh {
		t.Errorf("Privacy() = %v, want high", cfg.Privacy())
	}
	if !cfg.Daemon.UseDNSCache {
		t.Error("UseDNSCache = false, want true by default")
	}
	if want := filepath.Join(home, "state", "netzone"); cfg.Paths.StateDir != want {
		t.Errorf("StateDir = %q, want %q", cfg.Paths.StateDir, want)
	}
	if want := filepath.Join(home, "cache", "netzone"); cfg.Paths.CacheDir != want {
		t.Errorf("CacheDir = %q, want %q", cfg.Paths.CacheDir, want)
	}
	if want := filepath.Join(home, "state", "netzone", "netzone.db"); cfg.Paths.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.Paths.DBPath, want)
	}
	if want := filepath.Join(home, "state", "netzone", "netzone.sock"); cfg.Daemon.SocketPath != want {
		t.Errorf("SocketPath = %q, want %q", cfg.Daemon.SocketPath, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	home := setEnv(t)
	path := filepath.Join(home, "config.yaml")
	writeConfig(t, path, `
daemon:
  scan_interval: 1m
  privacy_mode: low
  socket_path: ~/run/nz.sock
  use_dns_cache: false
retry:
  max_retries: 5
  base_delay: 500ms
resources:
  batch:
    wifi_batch_size: 2
notifications:
  enabled: false
lifecycle:
  interfaces: [wlp3s0]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Daemon.ScanInterval != time.Minute {
		t.Errorf("ScanInterval = %v, want 1m", cfg.Daemon.ScanInterval)
	}
	if cfg.Privacy() != fingerprint.PrivacyLow {
		t.Errorf("Privacy() = %v, want low", cfg.Privacy())
	}
	if want := filepath.Join(home, "run", "nz.sock"); cfg.Daemon.SocketPath != want {
		t.Errorf("SocketPath = %q, want %q", cfg.Daemon.SocketPath, want)
	}
	if cfg.Daemon.UseDNSCache {
		t.Error("UseDNSCache = true, want false from file")
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry = %+v, want max 5 base 500ms", cfg.Retry)
	}
	// Keys not in the file keep their defaults.
	if cfg.Retry.Multiplier != 2 {
		t.Errorf("Retry.Multiplier = %v, want default 2", cfg.Retry.Multiplier)
	}
	if cfg.Resources.Batch.WiFiBatchSize != 2 {
		t.Errorf("WiFiBatchSize = %d, want 2", cfg.Resources.Batch.WiFiBatchSize)
	}
	if cfg.Resources.Batch.BluetoothBatchSize == 0 {
		t.Error("BluetoothBatchSize lost its default")
	}
	if cfg.Notifications.Enabled {
		t.Error("Notifications.Enabled = true, want false")
	}
	if cfg.Notifications.AppName != "netzone" {
		t.Errorf("AppName = %q, want default", cfg.Notifications.AppName)
	}

	lc := cfg.LifecycleSettings()
	if len(lc.Interfaces) != 1 || lc.Interfaces[0] != "wlp3s0" {
		t.Errorf("Interfaces = %v, want [wlp3s0]", lc.Interfaces)
	}
	if want := filepath.Join(cfg.Paths.StateDir, "daemon-lifecycle-state.json"); lc.StatePath != want {
		t.Errorf("StatePath = %q, want %q", lc.StatePath, want)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "daemon: [", "failed to parse"},
		{"bad privacy", "daemon:\n  privacy_mode: paranoid\n", "privacy_mode"},
		{"short interval", "daemon:\n  scan_interval: 10ms\n", "scan_interval"},
		{"bad retries", "retry:\n  multiplier: 0.5\n", "retry"},
		{"no workers", "resources:\n  max_concurrent: 0\n", "max_concurrent"},
		{"bad duration", "daemon:\n  scan_interval: soon\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := setEnv(t)
			path := filepath.Join(home, "config.yaml")
			writeConfig(t, path, tt.content)

			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultSocketPathUsesRuntimeDir(t *testing.T) {
	setEnv(t)
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	if got := DefaultSocketPath("/state"); got != "/run/user/1000/netzone.sock" {
		t.Errorf("DefaultSocketPath() = %q", got)
	}
}

func TestMarshalRoundTrips(t *testing.T) {
	home := setEnv(t)
	cfg, err := Load(filepath.Join(home, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Daemon.ScanInterval = 45 * time.Second

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(data), "scan_interval: 45s") {
		t.Errorf("marshalled config missing scan_interval:\n%s", data)
	}

	path := filepath.Join(home, "config.yaml")
	writeConfig(t, path, string(data))
	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of marshalled config error: %v", err)
	}
	if again.Daemon.ScanInterval != 45*time.Second {
		t.Errorf("ScanInterval = %v after reload", again.Daemon.ScanInterval)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	home := setEnv(t)
	path := filepath.Join(home, "conf", "config.yaml")
	writeConfig(t, path, "daemon:\n  scan_interval: 1m\n")

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, nil, func(c *Config) { got <- c })
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// An invalid file is skipped.
	writeConfig(t, path, "daemon:\n  privacy_mode: paranoid\n")
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c.Daemon)
	case <-time.After(200 * time.Millisecond):
	}

	// Replace via rename, the way editors save.
	tmp := filepath.Join(home, "conf", ".config.yaml.tmp")
	writeConfig(t, tmp, "daemon:\n  scan_interval: 2m\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	select {
	case c := <-got:
		if c.Daemon.ScanInterval != 2*time.Minute {
			t.Errorf("ScanInterval = %v, want 2m", c.Daemon.ScanInterval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not delivered")
	}

	// Other files in the directory are ignored.
	writeConfig(t, filepath.Join(home, "conf", "other.yaml"), "x: 1\n")
	select {
	case <-got:
		t.Error("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
