package app

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/zone"
)

func TestActionFlags(t *testing.T) {
	up, down := true, false

	tests := []struct {
		name          string
		notifyDefault bool
		args          []string
		want          zone.Actions
	}{
		{
			name:          "defaults",
			notifyDefault: true,
			want:          zone.Actions{Notifications: true},
		},
		{
			name: "everything",
			args: []string{
				"--wifi", "HomeNet", "--vpn", "home-vpn", "--exit-node", "nas",
				"--shields", "--bluetooth", "Keyboard,Mouse", "--bluetooth", "Headphones",
				"--command", "echo a,b", "--command", "true", "--notify",
			},
			want: zone.Actions{
				WiFi:              "HomeNet",
				VPN:               "home-vpn",
				TailscaleExitNode: "nas",
				TailscaleShields:  &up,
				Bluetooth:         []string{"Keyboard", "Mouse", "Headphones"},
				CustomCommands:    []string{"echo a,b", "true"},
				Notifications:     true,
			},
		},
		{
			name: "shields down",
			args: []string{"--shields=false"},
			want: zone.Actions{TailscaleShields: &down},
		},
		{
			name:          "notifications off",
			notifyDefault: true,
			args:          []string{"--notify=false", "--vpn", "corp"},
			want:          zone.Actions{VPN: "corp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f actionFlags
			cmd := &cobra.Command{Use: "test"}
			f.bind(cmd, tt.notifyDefault)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags() error: %v", err)
			}
			got := f.actions(cmd)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("actions() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestActionFlagsWithoutShieldsLeavesThemAlone(t *testing.T) {
	var f actionFlags
	cmd := &cobra.Command{Use: "test"}
	f.bind(cmd, false)
	if err := cmd.ParseFlags([]string{"--vpn", "corp"}); err != nil {
		t.Fatal(err)
	}
	if a := f.actions(cmd); a.TailscaleShields != nil {
		t.Errorf("TailscaleShields = %v, want nil", *a.TailscaleShields)
	}
}

func TestExecRequiresActions(t *testing.T) {
	setEnv(t)

	_, err := runCLI(t, "exec")
	if err == nil || !strings.Contains(err.Error(), "no actions given") {
		t.Errorf("exec without actions error = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		json    bool
		debug   bool
		wantErr bool
	}{
		{level: "debug", debug: true},
		{level: "info"},
		{level: "WARN"},
		{level: "error", json: true},
		{level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.level, tt.json)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newLogger(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			logger.Debug("debug line")
			logger.Error("error line", "zone", "home")
			if got := strings.Contains(buf.String(), "debug line"); got != tt.debug {
				t.Errorf("debug logged = %v, want %v", got, tt.debug)
			}
			if !strings.Contains(buf.String(), "error line") {
				t.Errorf("error line missing from %q", buf.String())
			}
			if tt.json {
				var rec map[string]any
				if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
					t.Fatalf("output is not JSON: %v", err)
				}
				if rec["zone"] != "home" {
					t.Errorf("zone attr = %v", rec["zone"])
				}
			}
		})
	}
}

func TestChildArgs(t *testing.T) {
	defer func() {
		daemonPIDFile, daemonLogLevel, daemonLogJSON = "", "info", false
		cfgFile, socketPath, dbPath = "", "", ""
	}()

	daemonPIDFile = "/run/nz.pid"
	daemonLogLevel = "info"
	want := []string{"daemon", "--daemon-child", "--pid-file", "/run/nz.pid", "--log-level", "info"}
	if got := childArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("childArgs() = %v, want %v", got, want)
	}

	daemonLogLevel = "debug"
	daemonLogJSON = true
	cfgFile = "/etc/nz.yaml"
	socketPath = "/run/nz.sock"
	dbPath = "/var/nz.db"
	want = []string{
		"daemon", "--daemon-child", "--pid-file", "/run/nz.pid", "--log-level", "debug",
		"--log-json", "--config", "/etc/nz.yaml", "--socket", "/run/nz.sock", "--db", "/var/nz.db",
	}
	if got := childArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("childArgs() = %v, want %v", got, want)
	}
}

func TestDaemonRejectsBadLogLevel(t *testing.T) {
	setEnv(t)

	_, err := runCLI(t, "daemon", "--log-level", "loud")
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("daemon --log-level loud error = %v", err)
	}
}
