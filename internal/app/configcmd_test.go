package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blackwell-systems/netzone/internal/config"
)

func TestConfigPath(t *testing.T) {
	dir := setEnv(t)

	out, err := runCLI(t, "config", "path")
	if err != nil {
		t.Fatalf("config path error: %v", err)
	}
	want := filepath.Join(dir, "config", "netzone", "config.yaml")
	if strings.TrimSpace(out) != want {
		t.Errorf("config path = %q, want %q", strings.TrimSpace(out), want)
	}

	custom := filepath.Join(dir, "custom.yaml")
	out, err = runCLI(t, "--config", custom, "config", "path")
	if err != nil {
		t.Fatalf("config path error: %v", err)
	}
	if strings.TrimSpace(out) != custom {
		t.Errorf("config path = %q, want %q", strings.TrimSpace(out), custom)
	}
}

func TestConfigInit(t *testing.T) {
	dir := setEnv(t)
	path := filepath.Join(dir, "config", "netzone", "config.yaml")

	out, err := runCLI(t, "config", "init")
	if err != nil {
		t.Fatalf("config init error: %v", err)
	}
	if !strings.Contains(out, "✓ Wrote default configuration to "+path) {
		t.Errorf("unexpected output:\n%s", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() of the written file error: %v", err)
	}
	if cfg.Daemon.ScanInterval != config.Default().Daemon.ScanInterval {
		t.Errorf("ScanInterval = %v", cfg.Daemon.ScanInterval)
	}

	_, err = runCLI(t, "config", "init")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second config init error = %v", err)
	}
}

func TestConfigShow(t *testing.T) {
	dir := setEnv(t)
	path := filepath.Join(dir, "netzone.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  scan_interval: 45s\n  privacy_mode: low\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "--config", path, "--socket", "/tmp/show.sock", "config", "show")
	if err != nil {
		t.Fatalf("config show error: %v", err)
	}
	for _, want := range []string{"scan_interval: 45s", "privacy_mode: low", "/tmp/show.sock", "max_retries"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
}

func TestInvalidConfigFails(t *testing.T) {
	dir := setEnv(t)
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  privacy_mode: paranoid\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "--config", path, "zones", "list"); err == nil {
		t.Error("expected invalid config to fail")
	}
}
