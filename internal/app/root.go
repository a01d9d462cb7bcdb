package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/daemon"
)

const (
	pidFileName = "netzone.pid"
	logFileName = "netzone.log"
)

var (
	cfgFile    string
	socketPath string
	dbPath     string

	// RootCmd is the root command for netzone
	RootCmd = &cobra.Command{
		Use:   "netzone",
		Short: "Location-aware network configuration",
		Long: `netzone recognizes where you are from the WiFi networks around you
and applies the network setup you configured for that place.

A zone is a named location learned from WiFi fingerprints. When the
daemon sees you enter a zone it connects WiFi, VPN, Bluetooth and
Tailscale the way that zone asks, retrying actions that fail.

Quick Start:
  1. netzone daemon --daemon
  2. netzone zones create home --wifi HomeNet --vpn home-vpn
  3. netzone status

Examples:
  # Show what the daemon is doing
  netzone status

  # See the networks around you
  netzone location

  # Switch to a zone by hand
  netzone zones activate office

  # Review and clear failed actions
  netzone retries --clear`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "netzone: location-aware network configuration")
			fmt.Fprintln(out)
			cfg, err := loadConfig()
			if err == nil && daemon.IsRunning(cfg.Daemon.SocketPath) {
				fmt.Fprintln(out, "Tip: Run 'netzone status' to see the active zone.")
			} else {
				fmt.Fprintln(out, "Run 'netzone daemon --daemon' to start monitoring.")
			}
			fmt.Fprintln(out, "Run 'netzone --help' for all commands.")
			return nil
		},
	}
)

// errDaemonNotRunning is returned by commands that need the daemon.
var errDaemonNotRunning = errors.New("netzone daemon is not running (start it with 'netzone daemon --daemon')")

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/netzone/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (overrides daemon.socket_path)")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides paths.db_path)")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if socketPath != "" {
		cfg.Daemon.SocketPath = socketPath
	}
	if dbPath != "" {
		cfg.Paths.DBPath = dbPath
	}
}

// configPath is the file the daemon watches for changes.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

func defaultPIDFile(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, pidFileName)
}

func defaultLogFile(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, logFileName)
}

// connect returns a client for a running daemon.
func connect(cfg *config.Config) (*daemon.Client, error) {
	if !daemon.IsRunning(cfg.Daemon.SocketPath) {
		return nil, errDaemonNotRunning
	}
	return daemon.NewClient(cfg.Daemon.SocketPath), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// callDaemon maps a refused connection to errDaemonNotRunning.
func callDaemon(err error) error {
	if errors.Is(err, daemon.ErrNotRunning) {
		return errDaemonNotRunning
	}
	return err
}
