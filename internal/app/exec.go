package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/output"
	"github.com/blackwell-systems/netzone/internal/retry"
)

var (
	execFlags actionFlags

	execCmd = &cobra.Command{
		Use:   "exec",
		Short: "Run zone actions without switching zones",
		Long: `Run a one-off set of actions through the daemon.

Actions run with the same retries and safety checks as zone actions.
Failures are queued for retry under the active zone.`,
		Example: `  netzone exec --vpn work --bluetooth Headphones
  netzone exec --shields=false`,
		Args: cobra.NoArgs,
		RunE: runExec,
	}
)

func init() {
	execFlags.bind(execCmd, false)
	RootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	actions := execFlags.actions(cmd)
	if actions.Count() == 0 {
		return errors.New("no actions given (see 'netzone exec --help')")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}

	var report retry.Report
	err = output.Spin(cmd.ErrOrStderr(), "Running actions", func() error {
		var err error
		report, err = client.ExecuteActions(commandContext(cmd), actions)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to run actions: %w", callDaemon(err))
	}

	fmt.Fprint(cmd.OutOrStdout(), output.RenderReport(report))
	if !report.OK() {
		return fmt.Errorf("%d of %d actions failed", report.Failed, report.Total)
	}
	return nil
}
