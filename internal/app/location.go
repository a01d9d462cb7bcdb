package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/output"
)

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Show the WiFi networks around you and the active zone",
	Long: `Ask the daemon for the current WiFi fingerprint.

SSIDs are shown the way the configured privacy mode stores them, so in
high privacy mode they appear as digests.`,
	Args: cobra.NoArgs,
	RunE: runLocation,
}

func init() {
	RootCmd.AddCommand(locationCmd)
}

func runLocation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	var fp fingerprint.Fingerprint
	err = output.Spin(cmd.ErrOrStderr(), "Scanning WiFi networks", func() error {
		var err error
		fp, err = client.CurrentLocation(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to get location: %w", callDaemon(err))
	}

	active, err := client.ActiveZone(ctx)
	if err != nil {
		return fmt.Errorf("failed to get active zone: %w", callDaemon(err))
	}
	if active != nil {
		fmt.Fprintf(out, "Active zone: %s (%s)\n", active.Name, active.ID)
	} else {
		fmt.Fprintln(out, "Active zone: none")
	}
	fmt.Fprint(out, output.RenderFingerprint(fp, time.Now()))
	return nil
}
