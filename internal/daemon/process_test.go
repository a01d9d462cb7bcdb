package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestIsProcessRunning(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		write       bool
		want        bool
		wantRemoved bool
	}{
		{name: "no PID file", write: false, want: false},
		{name: "current process", content: strconv.Itoa(os.Getpid()) + "\n", write: true, want: true},
		// A PID far above any default pid_max.
		{name: "dead process", content: "999999999\n", write: true, want: false, wantRemoved: true},
		{name: "invalid PID", content: "not-a-number\n", write: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pidFile := filepath.Join(t.TempDir(), "netzone.pid")
			if tt.write {
				if err := os.WriteFile(pidFile, []byte(tt.content), 0644); err != nil {
					t.Fatalf("failed to write PID file: %v", err)
				}
			}

			got, err := IsProcessRunning(pidFile)
			if err != nil {
				t.Fatalf("IsProcessRunning() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsProcessRunning() = %v, want %v", got, tt.want)
			}
			if tt.wantRemoved {
				if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
					t.Error("stale PID file was not removed")
				}
			}
		})
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "netzone.pid")

	if err := WritePIDFile(pidFile, 4242); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}
	pid, err := ReadPID(pidFile)
	if err != nil || pid != 4242 {
		t.Errorf("ReadPID() = %d, %v, want 4242", pid, err)
	}

	if err := RemovePIDFile(pidFile); err != nil {
		t.Fatalf("RemovePIDFile() error = %v", err)
	}
	if err := RemovePIDFile(pidFile); err != nil {
		t.Errorf("RemovePIDFile() on missing file error = %v", err)
	}
}

func TestStopProcessErrors(t *testing.T) {
	dir := t.TempDir()

	err := StopProcess(filepath.Join(dir, "missing.pid"), time.Second)
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("StopProcess(missing) error = %v", err)
	}

	stale := filepath.Join(dir, "stale.pid")
	if err := WritePIDFile(stale, 999999999); err != nil {
		t.Fatal(err)
	}
	err = StopProcess(stale, time.Second)
	if err == nil || !strings.Contains(err.Error(), "stale PID") {
		t.Errorf("StopProcess(stale) error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale PID file was not removed")
	}
}
