package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/command"
	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/daemon"
)

// toolChecker reports whether a program is on PATH.
type toolChecker interface {
	IsInstalled(program string) bool
}

var tools toolChecker = command.NewExecRunner()

// tool is an external program netzone drives.
type tool struct {
	name     string
	purpose  string
	required bool
}

var doctorTools = []tool{
	{"nmcli", "WiFi scans and connections, VPNs", true},
	{"ip", "network change detection", true},
	{"iwctl", "WiFi scans without NetworkManager", false},
	{"bluetoothctl", "Bluetooth actions", false},
	{"tailscale", "Tailscale exit node and shields actions", false},
	{"notify-send", "desktop notifications", false},
	{"firewall-cmd", "firewalld zone cache", false},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common issues and check system health",
	Long: `Runs diagnostic checks on your netzone installation.

Checks:
  • Configuration file parses and validates
  • Database exists and is accessible
  • Network tools netzone drives are installed
  • Daemon is running`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Running netzone diagnostics...")
	fmt.Fprintln(out)

	criticalIssues := 0
	warningIssues := 0

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(out, "✗ Configuration error:", err)
		fmt.Fprintln(out, "  Action: Fix the file, or run 'netzone config init' to start from defaults")
		return errors.New("diagnostics found critical issues")
	}
	if path, err := configPath(); err == nil {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintln(out, "✓ Configuration valid:", path)
		} else {
			fmt.Fprintln(out, "✓ Using default configuration (no file at "+path+")")
		}
	}

	criticalIssues += checkDatabase(cmd, cfg)

	for _, t := range doctorTools {
		switch {
		case tools.IsInstalled(t.name):
			fmt.Fprintf(out, "✓ %s found\n", t.name)
		case t.required:
			fmt.Fprintf(out, "✗ %s not found (needed for %s)\n", t.name, t.purpose)
			criticalIssues++
		default:
			fmt.Fprintf(out, "⚠ %s not found (%s disabled)\n", t.name, t.purpose)
			warningIssues++
		}
	}

	if daemon.IsRunning(cfg.Daemon.SocketPath) {
		if pid, err := daemon.ReadPID(defaultPIDFile(cfg)); err == nil {
			fmt.Fprintf(out, "✓ Daemon running (PID %d)\n", pid)
		} else {
			fmt.Fprintln(out, "✓ Daemon running")
		}
	} else {
		fmt.Fprintln(out, "⚠ Daemon not running")
		fmt.Fprintln(out, "  Action: Run 'netzone daemon --daemon'")
		warningIssues++
	}

	fmt.Fprintln(out)
	switch {
	case criticalIssues > 0:
		fmt.Fprintf(out, "Found %d critical issue(s) and %d warning(s).\n", criticalIssues, warningIssues)
		return errors.New("diagnostics found critical issues")
	case warningIssues > 0:
		fmt.Fprintf(out, "No critical issues, %d warning(s).\n", warningIssues)
	default:
		fmt.Fprintln(out, "✓ All checks passed!")
	}
	return nil
}

func checkDatabase(cmd *cobra.Command, cfg *config.Config) int {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(cfg.Paths.DBPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "✓ Database will be created at:", cfg.Paths.DBPath)
		return 0
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(out, "✗ Cannot open database:", err)
		return 1
	}
	defer st.Close()

	zones, err := st.ListZones(commandContext(cmd))
	if err != nil {
		fmt.Fprintln(out, "✗ Cannot read zones:", err)
		return 1
	}
	fmt.Fprintf(out, "✓ Database accessible (%d zones)\n", len(zones))
	return 0
}
