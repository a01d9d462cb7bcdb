package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/daemon"
	"github.com/blackwell-systems/netzone/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and the active zone",
	Long: `Display what the netzone daemon is doing.

Shows:
  • Whether the daemon is monitoring and its current phase
  • The active zone and the last scan
  • Retry queue size and suspend/resume count
  • Resource pool, cache and task statistics

When the daemon is not running, the zones and history stored in the
database are summarized instead.`,
	Example: `  netzone status`,
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	client, err := connect(cfg)
	if err == nil {
		st, err := client.Status(commandContext(cmd))
		if err == nil {
			if pid, err := daemon.ReadPID(defaultPIDFile(cfg)); err == nil {
				fmt.Fprintf(out, "PID:           %d\n", pid)
			}
			fmt.Fprint(out, output.RenderStatus(st, time.Now()))
			return nil
		}
		if !errors.Is(err, daemon.ErrNotRunning) {
			return fmt.Errorf("failed to get daemon status: %w", err)
		}
	}

	fmt.Fprintln(out, "Daemon:        not running")
	return offlineStatus(cmd, cfg)
}

// offlineStatus summarizes the database when the daemon is down.
func offlineStatus(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(cfg.Paths.DBPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "\nNo zones yet. Start the daemon with 'netzone daemon --daemon',")
		fmt.Fprintln(out, "then create one with 'netzone zones create <name>'.")
		return nil
	}

	ctx := commandContext(cmd)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	zones, err := st.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to list zones: %w", err)
	}
	changes, err := st.CountChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to count zone changes: %w", err)
	}

	fmt.Fprintf(out, "Zones:         %d\n", len(zones))
	fmt.Fprintf(out, "Zone changes:  %d\n", changes)
	if last, err := st.ListChanges(ctx, 1); err == nil && len(last) == 1 {
		fmt.Fprintln(out, "\nLast change:")
		fmt.Fprint(out, output.RenderHistoryTable(last, time.Now()))
	}
	fmt.Fprintln(out, "\nStart monitoring with 'netzone daemon --daemon'.")
	return nil
}
