package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to re-read its config file. Log settings apply at once;
changes to buffers, metrics or the control socket need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, client ControlClient, out io.Writer) error {
	resp, err := client.ConfigReload(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("failed to reload: %w", resp.Error)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
