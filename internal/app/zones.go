package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/daemon"
	"github.com/blackwell-systems/netzone/internal/output"
	"github.com/blackwell-systems/netzone/internal/store"
	"github.com/blackwell-systems/netzone/internal/zone"
)

var (
	createFlags  actionFlags
	historyLimit int

	zonesCmd = &cobra.Command{
		Use:   "zones",
		Short: "Manage location zones",
		Long: `Create, inspect and switch between zones.

A zone is created from the WiFi networks visible right now, so run
'netzone zones create' while you are at the place you want to name.
Zones can also be imported from a JSON file (comments allowed).`,
		Example: `  # Create a zone here that joins HomeNet and brings up a VPN
  netzone zones create home --wifi HomeNet --vpn home-vpn

  # List zones
  netzone zones list

  # Force a zone and run its actions
  netzone zones activate office`,
	}

	zonesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List zones",
		Args:  cobra.NoArgs,
		RunE:  runZonesList,
	}

	zonesShowCmd = &cobra.Command{
		Use:   "show <zone>",
		Short: "Show a zone and its actions",
		Args:  cobra.ExactArgs(1),
		RunE:  runZonesShow,
	}

	zonesCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a zone from the current location",
		Long: `Create a zone from the WiFi networks visible now.

At least a few networks must be visible for the zone to be reliable.
Actions given as flags run whenever the zone is entered.`,
		Example: `  netzone zones create cafe --exit-node home-server --shields
  netzone zones create office --wifi CorpNet --bluetooth "Desk Keyboard"`,
		Args: cobra.ExactArgs(1),
		RunE: runZonesCreate,
	}

	zonesRemoveCmd = &cobra.Command{
		Use:   "remove <zone>",
		Short: "Delete a zone",
		Args:  cobra.ExactArgs(1),
		RunE:  runZonesRemove,
	}

	zonesActivateCmd = &cobra.Command{
		Use:   "activate <zone>",
		Short: "Switch to a zone and run its actions",
		Args:  cobra.ExactArgs(1),
		RunE:  runZonesActivate,
	}

	zonesAddFingerprintCmd = &cobra.Command{
		Use:   "add-fingerprint <zone>",
		Short: "Teach a zone the networks visible now",
		Long: `Record the current WiFi networks as another fingerprint of a zone.

Use this in parts of a place the zone does not recognize yet. Locations
the zone already matches closely are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: runZonesAddFingerprint,
	}

	zonesImportCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Import zones from a JSON file",
		Long: `Import one zone object or an array of zones from a JSON file.
Comments and trailing commas are accepted.

The daemon imports the zones when it is running; otherwise they are
written to the database and picked up on the next start.`,
		Args: cobra.ExactArgs(1),
		RunE: runZonesImport,
	}

	zonesHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent zone changes",
		Args:  cobra.NoArgs,
		RunE:  runZonesHistory,
	}
)

func init() {
	createFlags.bind(zonesCreateCmd, true)
	zonesHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of changes to show")

	zonesCmd.AddCommand(zonesListCmd, zonesShowCmd, zonesCreateCmd, zonesRemoveCmd,
		zonesActivateCmd, zonesAddFingerprintCmd, zonesImportCmd, zonesHistoryCmd)
	RootCmd.AddCommand(zonesCmd)
}

// listZones asks the daemon, falling back to the database when it is
// not running. The second result is the active zone ID.
func listZones(cmd *cobra.Command, cfg *config.Config) ([]zone.Zone, string, error) {
	ctx := commandContext(cmd)
	if client, err := connect(cfg); err == nil {
		zones, err := client.ListZones(ctx)
		if err == nil {
			var active string
			if z, err := client.ActiveZone(ctx); err == nil && z != nil {
				active = z.ID
			}
			return zones, active, nil
		}
		if !errors.Is(err, daemon.ErrNotRunning) {
			return nil, "", fmt.Errorf("failed to list zones: %w", err)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, "", err
	}
	defer st.Close()
	zones, err := st.ListZones(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list zones: %w", err)
	}
	return zones, "", nil
}

func runZonesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zones, active, err := listZones(cmd, cfg)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.RenderZoneTable(zones, active, time.Now()))
	return nil
}

func runZonesShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zones, _, err := listZones(cmd, cfg)
	if err != nil {
		return err
	}
	z, err := findZone(zones, args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.RenderZone(z, time.Now()))
	return nil
}

func runZonesCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var z zone.Zone
	err = output.Spin(cmd.ErrOrStderr(), "Scanning WiFi networks", func() error {
		var err error
		z, err = client.CreateZone(commandContext(cmd), args[0], createFlags.actions(cmd))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create zone: %w", callDaemon(err))
	}

	fmt.Fprintf(out, "✓ Zone %q created (%s)\n\n", z.Name, z.ID)
	fmt.Fprint(out, output.RenderZone(z, time.Now()))
	return nil
}

func runZonesRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	if err := client.RemoveZone(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("failed to remove zone: %w", callDaemon(err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Zone %q removed\n", args[0])
	return nil
}

func runZonesActivate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var act daemon.Activation
	err = output.Spin(cmd.ErrOrStderr(), "Activating zone "+args[0], func() error {
		var err error
		act, err = client.ActivateZone(commandContext(cmd), args[0])
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to activate zone: %w", callDaemon(err))
	}

	fmt.Fprintf(out, "✓ Zone %q active\n", act.Change.To.Name)
	fmt.Fprint(out, output.RenderReport(act.Report))
	if act.Warning != "" {
		fmt.Fprintf(out, "\n⚠ %s\n", act.Warning)
	}
	return nil
}

func runZonesAddFingerprint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var res daemon.FingerprintAdded
	err = output.Spin(cmd.ErrOrStderr(), "Scanning WiFi networks", func() error {
		var err error
		res, err = client.AddFingerprint(commandContext(cmd), args[0])
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to add fingerprint: %w", callDaemon(err))
	}

	if res.Added {
		fmt.Fprintf(out, "✓ Added the current location to zone %s\n", res.ZoneID)
	} else {
		fmt.Fprintf(out, "Zone %s already recognizes this location\n", res.ZoneID)
	}
	return nil
}

// parseZoneFile decodes a zone or an array of zones from JSON that may
// carry comments.
func parseZoneFile(data []byte) ([]zone.Zone, error) {
	data = bytes.TrimSpace(jsonc.ToJSON(data))
	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}

	var zones []zone.Zone
	if data[0] == '[' {
		if err := json.Unmarshal(data, &zones); err != nil {
			return nil, fmt.Errorf("failed to parse zones: %w", err)
		}
	} else {
		var z zone.Zone
		if err := json.Unmarshal(data, &z); err != nil {
			return nil, fmt.Errorf("failed to parse zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, nil
}

func runZonesImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	zones, err := parseZoneFile(data)
	if err != nil {
		return fmt.Errorf("invalid zone file %s: %w", args[0], err)
	}

	ctx := commandContext(cmd)
	var importZone func(zone.Zone) (zone.Zone, error)
	if client, err := connect(cfg); err == nil {
		importZone = func(z zone.Zone) (zone.Zone, error) {
			out, err := client.ImportZone(ctx, z)
			return out, callDaemon(err)
		}
	} else {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		m := zone.NewManager(st, nil, nil, nil, nil)
		importZone = func(z zone.Zone) (zone.Zone, error) { return m.ImportZone(ctx, z) }
	}

	out := cmd.OutOrStdout()
	for _, z := range zones {
		saved, err := importZone(z)
		if err != nil {
			return fmt.Errorf("failed to import zone %q: %w", z.Name, err)
		}
		fmt.Fprintf(out, "✓ Imported zone %q (%s, %d fingerprints)\n", saved.Name, saved.ID, len(saved.Fingerprints))
	}
	return nil
}

func runZonesHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	var entries []*store.HistoryEntry
	fromDaemon := false
	if client, err := connect(cfg); err == nil {
		entries, err = client.History(ctx, historyLimit)
		switch {
		case err == nil:
			fromDaemon = true
		case !errors.Is(err, daemon.ErrNotRunning):
			return fmt.Errorf("failed to load zone history: %w", err)
		}
	}
	if !fromDaemon {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if entries, err = st.ListChanges(ctx, historyLimit); err != nil {
			return fmt.Errorf("failed to load zone history: %w", err)
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), output.RenderHistoryTable(entries, time.Now()))
	return nil
}
