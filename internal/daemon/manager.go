package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/rawring/internal/core"
)

// ReadPID returns the process id recorded in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

// IsRunning reports whether the process recorded in pidFile is alive.
func IsRunning(pidFile string) bool {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// StopDaemon sends SIGTERM to the daemon recorded in pidFile and waits up
// to timeout for it to exit.
func StopDaemon(pidFile string, timeout time.Duration) error {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return core.ErrDaemonNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return core.ErrDaemonNotRunning
		}
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) still running after %s", pid, timeout)
}

// Spawn starts `<executable> daemon` detached in a new session, with its
// output appended to logFile, and returns the child's pid.
func Spawn(executable string, args []string, logFile string) (int, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, err
		}
		executable = self
	}

	cmd := exec.Command(executable, append([]string{"daemon"}, args...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// WaitForSocket polls until path exists or timeout elapses.
func WaitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon started but socket %s not ready", path)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
