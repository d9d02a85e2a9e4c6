package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

var killBuffer string

var killCmd = &cobra.Command{
	Use:   "kill <listener-id>",
	Short: "Force-kill a listener",
	Long: `Flag a listener as killed, wake its waiters, and unregister it after a
grace period. Requests from the killed id are rejected silently for a while.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid listener id %q", args[0])
		}
		return runKill(cmd.Context(), newClient(), cmd.OutOrStdout(), killBuffer, id)
	},
}

var killAllCmd = &cobra.Command{
	Use:   "killall",
	Short: "Force-kill every listener of a buffer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKillAll(cmd.Context(), newClient(), cmd.OutOrStdout(), killBuffer)
	},
}

func init() {
	for _, c := range []*cobra.Command{killCmd, killAllCmd} {
		c.Flags().StringVarP(&killBuffer, "buffer", "b", "", "buffer name (default: the only buffer)")
	}
}

func runKill(ctx context.Context, client ControlClient, out io.Writer, buffer string, id int64) error {
	if err := client.Kill(ctx, buffer, id); err != nil {
		return fmt.Errorf("failed to kill listener %d: %w", id, err)
	}
	fmt.Fprintf(out, "✓ Listener %d killed\n", id)
	return nil
}

func runKillAll(ctx context.Context, client ControlClient, out io.Writer, buffer string) error {
	if err := client.KillAll(ctx, buffer); err != nil {
		return fmt.Errorf("failed to kill listeners: %w", err)
	}
	fmt.Fprintln(out, "✓ All listeners killed")
	return nil
}
