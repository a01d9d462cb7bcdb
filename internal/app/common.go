package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/store"
	"github.com/blackwell-systems/netzone/internal/zone"
)

// openStore opens the zone database for commands that work without the
// daemon.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

// findZone matches ref against zone IDs, then names without regard to
// case.
func findZone(zones []zone.Zone, ref string) (zone.Zone, error) {
	for _, z := range zones {
		if z.ID == ref {
			return z, nil
		}
	}
	for _, z := range zones {
		if strings.EqualFold(z.Name, ref) {
			return z, nil
		}
	}
	return zone.Zone{}, fmt.Errorf("%w: %s", zone.ErrZoneNotFound, ref)
}

// actionFlags collects zone actions from the command line.
type actionFlags struct {
	wifi      string
	vpn       string
	exitNode  string
	shields   bool
	bluetooth []string
	commands  []string
	notify    bool
}

func (f *actionFlags) bind(cmd *cobra.Command, notifyDefault bool) {
	fs := cmd.Flags()
	fs.StringVar(&f.wifi, "wifi", "", "WiFi network to connect to")
	fs.StringVar(&f.vpn, "vpn", "", "NetworkManager VPN connection to bring up")
	fs.StringVar(&f.exitNode, "exit-node", "", "Tailscale exit node to use")
	fs.BoolVar(&f.shields, "shields", false, "set Tailscale shields up (--shields=false for down)")
	fs.StringSliceVar(&f.bluetooth, "bluetooth", nil, "Bluetooth device to connect (repeatable)")
	fs.StringArrayVar(&f.commands, "command", nil, "shell command to run (repeatable)")
	fs.BoolVar(&f.notify, "notify", notifyDefault, "send a desktop notification")
}

func (f *actionFlags) actions(cmd *cobra.Command) zone.Actions {
	a := zone.Actions{
		WiFi:              f.wifi,
		VPN:               f.vpn,
		TailscaleExitNode: f.exitNode,
		Bluetooth:         f.bluetooth,
		CustomCommands:    f.commands,
		Notifications:     f.notify,
	}
	if cmd.Flags().Changed("shields") {
		up := f.shields
		a.TailscaleShields = &up
	}
	return a
}
