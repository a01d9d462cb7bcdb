package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/daemon"
	"github.com/blackwell-systems/netzone/internal/output"
)

const stopTimeout = 15 * time.Second

var (
	daemonBackground bool
	daemonChild      bool
	daemonPIDFile    string
	daemonLogFile    string
	daemonStop       bool
	daemonLogLevel   string
	daemonLogJSON    bool

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the zone monitoring daemon",
		Long: `Start the netzone daemon.

The daemon scans nearby WiFi networks on an interval, matches them
against your zones, and runs the actions of the zone you enter. It
serves the other netzone commands over a Unix socket and reloads
scan interval, privacy mode and retry policy when the config file
changes.

Modes:
  • Foreground (default): logs to stderr, Ctrl+C to stop
  • Background (--daemon): detaches and logs to the log file
  • Stop (--stop): stops a running daemon`,
		Example: `  # Run in foreground with debug logging
  netzone daemon --log-level debug

  # Run in the background
  netzone daemon --daemon

  # Stop the background daemon
  netzone daemon --stop`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
)

func init() {
	daemonCmd.Flags().BoolVar(&daemonBackground, "daemon", false, "run as background daemon")
	daemonCmd.Flags().BoolVar(&daemonChild, "daemon-child", false, "internal flag for daemon child process")
	daemonCmd.Flags().StringVar(&daemonPIDFile, "pid-file", "", "PID file path (default: <state_dir>/netzone.pid)")
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "log file path (default: <state_dir>/netzone.log)")
	daemonCmd.Flags().BoolVar(&daemonStop, "stop", false, "stop running daemon")
	daemonCmd.Flags().StringVar(&daemonLogLevel, "log-level", "info", "log level: debug, info, warn or error")
	daemonCmd.Flags().BoolVar(&daemonLogJSON, "log-json", false, "write logs as JSON")

	daemonCmd.Flags().MarkHidden("daemon-child")
	RootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonPIDFile == "" {
		daemonPIDFile = defaultPIDFile(cfg)
	}
	if daemonLogFile == "" {
		daemonLogFile = defaultLogFile(cfg)
	}

	if !daemonStop && daemon.IsListening(cfg.Daemon.SocketPath) {
		return fmt.Errorf("daemon already running (socket: %s)", cfg.Daemon.SocketPath)
	}

	switch {
	case daemonStop:
		return stopDaemon(cmd, cfg)
	case daemonBackground:
		return startDaemon(cmd, cfg)
	case daemonChild:
		// stdout and stderr already point at the log file.
		defer daemon.RemovePIDFile(daemonPIDFile)
		return serve(commandContext(cmd), cfg, os.Stderr)
	default:
		fmt.Fprintln(cmd.ErrOrStderr(), "Starting netzone daemon (press Ctrl+C to stop)...")
		return serve(commandContext(cmd), cfg, cmd.ErrOrStderr())
	}
}

func stopDaemon(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()

	running, err := daemon.IsProcessRunning(daemonPIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}

	if !running {
		// A foreground daemon has no PID file but still answers on its socket.
		if !daemon.IsRunning(cfg.Daemon.SocketPath) {
			fmt.Fprintln(out, "Daemon is not running")
			return nil
		}
		err := output.Spin(cmd.ErrOrStderr(), "Stopping daemon", func() error {
			return daemon.NewClient(cfg.Daemon.SocketPath).Shutdown(commandContext(cmd))
		})
		if err != nil {
			return fmt.Errorf("failed to stop daemon: %w", callDaemon(err))
		}
		fmt.Fprintln(out, "✓ Daemon stopped")
		return nil
	}

	err = output.Spin(cmd.ErrOrStderr(), "Stopping daemon", func() error {
		return daemon.StopProcess(daemonPIDFile, stopTimeout)
	})
	if err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}

func startDaemon(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()

	var pid int
	err := output.Spin(cmd.ErrOrStderr(), "Starting daemon", func() error {
		var err error
		pid, err = daemon.StartBackground(childArgs(), daemonPIDFile, daemonLogFile)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Fprintf(out, "✓ Daemon started (PID %d)\n", pid)
	fmt.Fprintf(out, "  PID file: %s\n", daemonPIDFile)
	fmt.Fprintf(out, "  Log file: %s\n", daemonLogFile)
	fmt.Fprintf(out, "  Socket:   %s\n", cfg.Daemon.SocketPath)
	fmt.Fprintln(out, "\nTo stop: netzone daemon --stop")
	return nil
}

// childArgs rebuilds the command line for the background process.
func childArgs() []string {
	args := []string{"daemon", "--daemon-child", "--pid-file", daemonPIDFile, "--log-level", daemonLogLevel}
	if daemonLogJSON {
		args = append(args, "--log-json")
	}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if socketPath != "" {
		args = append(args, "--socket", socketPath)
	}
	if dbPath != "" {
		args = append(args, "--db", dbPath)
	}
	return args
}

// newLogger builds the daemon's slog handler.
func newLogger(w io.Writer, level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// serve runs the daemon until SIGTERM, SIGINT or a shutdown request.
func serve(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger, err := newLogger(logOut, daemonLogLevel, daemonLogJSON)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := daemon.New(daemon.Options{Config: cfg, Store: st, Logger: logger})
	if err != nil {
		return err
	}

	if path, err := configPath(); err != nil {
		logger.Warn("config reload disabled", "error", err)
	} else {
		w, err := config.NewWatcher(path, config.DefaultDebounce, logger.With("component", "config"), func(c *config.Config) {
			applyOverrides(c)
			d.Reload(c)
		})
		if err != nil {
			logger.Warn("config reload disabled", "error", err)
		} else {
			go w.Run(ctx)
		}
	}

	logger.Info("netzone daemon starting",
		"pid", os.Getpid(),
		"socket", cfg.Daemon.SocketPath,
		"db", cfg.Paths.DBPath,
	)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	logger.Info("netzone daemon stopped")
	return nil
}
