package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeTools map[string]bool

func (f fakeTools) IsInstalled(program string) bool { return f[program] }

func withTools(t *testing.T, installed ...string) {
	t.Helper()
	f := fakeTools{}
	for _, name := range installed {
		f[name] = true
	}
	prev := tools
	tools = f
	t.Cleanup(func() { tools = prev })
}

func TestDoctorCommand(t *testing.T) {
	if doctorCmd.Use != "doctor" {
		t.Errorf("expected Use to be 'doctor', got '%s'", doctorCmd.Use)
	}
	if doctorCmd.RunE == nil {
		t.Error("expected RunE to be set")
	}
}

func TestDoctorMissingRequiredTool(t *testing.T) {
	setEnv(t)
	withTools(t, "nmcli")

	out, err := runCLI(t, "doctor")
	if err == nil || !strings.Contains(err.Error(), "critical issues") {
		t.Errorf("doctor error = %v, want critical issues", err)
	}
	for _, want := range []string{
		"✓ Using default configuration",
		"✓ Database will be created at:",
		"✓ nmcli found",
		"✗ ip not found",
		"⚠ tailscale not found",
		"⚠ Daemon not running",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("doctor output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctorWarningsOnly(t *testing.T) {
	setEnv(t)
	withTools(t, "nmcli", "ip")

	out, err := runCLI(t, "doctor")
	if err != nil {
		t.Fatalf("doctor error: %v", err)
	}
	// Five optional tools plus the daemon.
	if !strings.Contains(out, "No critical issues, 6 warning(s).") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestDoctorAllPassing(t *testing.T) {
	setEnv(t)
	withTools(t, "nmcli", "ip", "iwctl", "bluetoothctl", "tailscale", "notify-send", "firewall-cmd")
	h := startHarness(t, networks("home", 4))

	out, err := h.cli(t, "doctor")
	if err != nil {
		t.Fatalf("doctor error: %v", err)
	}
	for _, want := range []string{"✓ Database accessible (0 zones)", "✓ Daemon running", "✓ All checks passed!"} {
		if !strings.Contains(out, want) {
			t.Errorf("doctor output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctorBadConfig(t *testing.T) {
	dir := setEnv(t)
	withTools(t, "nmcli", "ip")
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("retry:\n  max_retries: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "--config", path, "doctor")
	if err == nil {
		t.Error("expected doctor to fail on an invalid config")
	}
	if !strings.Contains(out, "✗ Configuration error") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
