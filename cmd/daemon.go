package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the rawring daemon",
	Long: `Run the rawring daemon.

Every buffer in the configuration gets its ring, its frame source and its
ingestion workers. Readers and the CLI reach the buffers through the
control socket, and Prometheus metrics plus /healthz are served when
enabled. SIGTERM or SIGINT stop the daemon and SIGHUP reloads the log
settings. With --background the daemon detaches into its own session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonBackground {
			return spawnDaemon(cmd)
		}
		return runDaemon(cmd)
	},
}

var (
	daemonBackground bool
	daemonLogFile    string
	pidFile          string
)

func init() {
	daemonCmd.Flags().BoolVarP(&daemonBackground, "background", "b", false,
		"detach and run in a new session")
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "/tmp/rawring.log",
		"stdout/stderr of a background daemon")
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
}

func runDaemon(cmd *cobra.Command) error {
	socket := ""
	if cmd.Flags().Changed("socket") {
		socket = socketPath
	}

	d, err := daemon.New(configFile, socket, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// blocks until shutdown
	return d.Run()
}

func spawnDaemon(cmd *cobra.Command) error {
	args := []string{"--config", configFile, "--socket", socketPath}
	if pidFile != "" {
		args = append(args, "--pidfile", pidFile)
	}
	pid, err := daemon.Spawn("", args, daemonLogFile)
	if err != nil {
		return err
	}
	if err := daemon.WaitForSocket(socketPath, 3*time.Second); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rawring daemon started (pid %d)\n", pid)
	return nil
}
