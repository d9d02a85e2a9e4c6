package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the rawring daemon",
	Long: `Stop the rawring daemon gracefully.

This command sends daemon_shutdown over the Unix Domain Socket. The daemon
kills every listener, stops its buffers and exits cleanly. When the socket
is unreachable it falls back to SIGTERM on the process in the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout(), stopPIDFile, stopWait)
	},
}

var (
	stopPIDFile string
	stopWait    time.Duration
)

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/rawring.pid",
		"PID file used when the socket is unreachable")
	stopCmd.Flags().DurationVar(&stopWait, "wait", 10*time.Second,
		"how long to wait for the daemon to exit")
}

func runStop(ctx context.Context, client ControlClient, out io.Writer, pidFile string, wait time.Duration) error {
	if err := client.Ping(ctx); err != nil {
		if stopErr := daemon.StopDaemon(pidFile, wait); stopErr != nil {
			if errors.Is(stopErr, core.ErrDaemonNotRunning) {
				return fmt.Errorf("daemon is not running: %w", err)
			}
			return stopErr
		}
		fmt.Fprintln(out, "✓ Daemon stopped (SIGTERM)")
		return nil
	}

	resp, err := client.Call(ctx, "daemon_shutdown", nil)
	if err != nil {
		return fmt.Errorf("failed to request shutdown: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}

	// The daemon removes its socket last.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); os.IsNotExist(err) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
