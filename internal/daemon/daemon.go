// Package daemon runs the capture buffers of one host behind the control
// socket and owns their lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"firestige.xyz/rawring/internal/command"
	"firestige.xyz/rawring/internal/config"
	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/ingest"
	logpkg "firestige.xyz/rawring/internal/log"
	"firestige.xyz/rawring/internal/metrics"
	"firestige.xyz/rawring/internal/source"
)

// Daemon serves the buffers declared in one configuration file.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	registry      *ingest.Registry
	live          atomic.Pointer[ingest.Registry] // set while buffers capture
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil when metrics are disabled

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopped      bool
}

// New creates a new Daemon instance. Empty socketPath and pidFile fall
// back to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Registry exposes the running buffers.
func (d *Daemon) Registry() *ingest.Registry { return d.registry }

// Start brings the daemon up: logging, PID file, metrics, the capture
// buffers and finally the control socket. It returns once the socket
// accepts connections.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting rawring daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	registry, err := BuildRegistry(d.config.Buffers, slog.Default())
	if err != nil {
		return err
	}
	if err := registry.StartAll(d.ctx); err != nil {
		_ = registry.StopAll()
		return err
	}
	d.registry = registry
	d.live.Store(registry)

	d.cmdHandler = command.NewCommandHandler(d.registry, d, slog.Default())
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("daemon_shutdown requested over the control socket")
		d.TriggerShutdown()
	})

	// Readers attach only after every buffer captures.
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler, slog.Default())
	errCh := make(chan error, 1)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
			errCh <- err
		}
	}()
	select {
	case <-d.udsServer.Ready():
	case err := <-errCh:
		d.live.Store(nil)
		_ = d.registry.StopAll()
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	slog.Info("daemon started successfully", "buffers", d.registry.Len())
	return nil
}

// BuildRegistry creates one stopped buffer per configured entry, each fed
// by its configured source.
func BuildRegistry(buffers []config.BufferConfig, logger *slog.Logger) (*ingest.Registry, error) {
	registry := ingest.NewRegistry()
	for _, bc := range buffers {
		cfg := bc.IngestConfig()
		src, err := source.New(bc.Source.Type, bc.Source.Options, cfg.Workers)
		if err != nil {
			_ = registry.StopAll()
			return nil, fmt.Errorf("buffer %s: create source: %w", bc.Name, err)
		}
		buf, err := ingest.NewBuffer(cfg, src, logger)
		if err != nil {
			_ = src.Close()
			_ = registry.StopAll()
			return nil, fmt.Errorf("buffer %s: %w", bc.Name, err)
		}
		if _, err := registry.Add(buf); err != nil {
			_ = buf.Stop()
			_ = registry.StopAll()
			return nil, err
		}
	}
	return registry, nil
}

// Stop tears the daemon down in reverse start order. Closing the socket
// first keeps readers from registering on buffers that are going away.
// Calling it again is a no-op.
func (d *Daemon) Stop() {
	if d.stopped {
		return
	}
	d.stopped = true
	slog.Info("stopping rawring daemon")

	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// Listeners are killed here; blocked readers see ErrListenerKilled.
	d.live.Store(nil)
	if d.registry != nil {
		if err := d.registry.StopAll(); err != nil {
			slog.Error("error stopping buffers", "error", err)
		}
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("rawring daemon stopped")
	_ = logpkg.Flush()
}

// Run blocks until SIGTERM, SIGINT or daemon_shutdown and then stops the
// daemon. SIGHUP reloads the configuration in place.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file. Only the log section takes
// effect immediately; changes to node, metrics, control or any buffer are
// reported and wait for a restart, since live listeners hold offsets into
// the current rings.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	old := d.config
	requiresRestart := []string{}
	if newConfig.Node.Hostname != old.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if !reflect.DeepEqual(newConfig.Buffers, old.Buffers) {
		requiresRestart = append(requiresRestart, "buffers")
	}

	hotReloaded := []string{}
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		// Old logging continues.
		d.config.Log = old.Log
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	if !reflect.DeepEqual(newConfig.Log, old.Log) {
		hotReloaded = append(hotReloaded, "log")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop the daemon. It never blocks.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// pending
	}
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// health fails until the buffers capture and whenever one has stopped.
func (d *Daemon) health() error {
	registry := d.live.Load()
	if registry == nil {
		return core.ErrDaemonNotRunning
	}
	for _, b := range registry.List() {
		if !b.Running() {
			return fmt.Errorf("buffer %s: %w", b.Name(), core.ErrBufferStopped)
		}
	}
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.health, slog.Default())
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
