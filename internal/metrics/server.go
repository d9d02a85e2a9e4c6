package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthPath answers 200 while every capture buffer runs, 503 otherwise.
const HealthPath = "/healthz"

// HealthFunc reports why the daemon is not healthy, nil when it is.
type HealthFunc func() error

// Server exposes the Prometheus registry and the health endpoint.
type Server struct {
	addr   string
	path   string
	health HealthFunc
	logger *slog.Logger

	httpServer *http.Server
	ln         net.Listener
}

// NewServer prepares a server for addr. An empty path serves /metrics and
// a nil health func always reports healthy.
func NewServer(addr, path string, health HealthFunc, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		path:   path,
		health: health,
		logger: logger.With("component", "metrics"),
	}
}

// Start binds the listen address and serves in the background. Binding
// errors are returned so the daemon fails fast on a taken port.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	mux.HandleFunc(HealthPath, s.serveHealth)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("serving metrics", "addr", ln.Addr().String(), "path", s.path, "health", HealthPath)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop drains in-flight scrapes, bounded by ctx and five seconds.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	s.logger.Debug("metrics server stopped")
	return nil
}
