package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/output"
)

var (
	retriesClear bool

	retriesCmd = &cobra.Command{
		Use:   "retries",
		Short: "Show or clear the failed-action retry queue",
		Long: `Actions that keep failing after their immediate retries wait in a
queue and are tried again with growing delays. This command shows that
queue, or empties it with --clear.`,
		Example: `  netzone retries
  netzone retries --clear`,
		Args: cobra.NoArgs,
		RunE: runRetries,
	}
)

func init() {
	retriesCmd.Flags().BoolVar(&retriesClear, "clear", false, "drop every queued action")
	RootCmd.AddCommand(retriesCmd)
}

func runRetries(cmd *cobra.Command, args []string) error {
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

	if retriesClear {
		n, err := client.ClearRetries(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear retry queue: %w", callDaemon(err))
		}
		fmt.Fprintf(out, "✓ Removed %d queued actions\n", n)
		return nil
	}

	qs, err := client.RetryStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get retry queue: %w", callDaemon(err))
	}
	fmt.Fprint(out, output.RenderRetryQueue(qs, time.Now()))
	return nil
}
