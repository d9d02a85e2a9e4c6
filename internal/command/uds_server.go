package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

const (
	// maxRequestBytes bounds one request line.
	maxRequestBytes = 1 << 20
	// sessionIdle closes connections that send nothing for this long.
	sessionIdle = 5 * time.Minute
)

// UDSServer answers newline-delimited JSON-RPC 2.0 requests on a Unix
// socket. Requests on one connection are answered in order; connections
// are served concurrently.
type UDSServer struct {
	path    string
	handler *CommandHandler
	logger  *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
	closed   bool
	wg       conc.WaitGroup
	ready    chan struct{}
}

// session is one accepted connection.
type session struct {
	conn   net.Conn
	logger *slog.Logger
}

// NewUDSServer creates a server for the socket at path.
func NewUDSServer(path string, handler *CommandHandler, logger *slog.Logger) *UDSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &UDSServer{
		path:     path,
		handler:  handler,
		logger:   logger.With("socket", path),
		sessions: make(map[*session]struct{}),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (s *UDSServer) Ready() <-chan struct{} { return s.ready }

// Start binds the socket and serves until ctx is done, then stops.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on socket %s: %w", s.path, err)
	}
	// Owner only: the socket hands out views of captured traffic.
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("control socket listening")

	go s.accept(ctx, ln)

	<-ctx.Done()
	return s.Stop()
}

func (s *UDSServer) accept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		sess := &session{conn: conn, logger: s.logger}
		if pid, uid, ok := peerCred(conn); ok {
			sess.logger = s.logger.With("peer_pid", pid, "peer_uid", uid)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.serveSession(ctx, sess) })
	}
}

func (s *UDSServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *UDSServer) serveSession(ctx context.Context, sess *session) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.conn.Close()
	}()
	sess.logger.Debug("control connection opened")

	in := bufio.NewScanner(sess.conn)
	in.Buffer(make([]byte, 0, 4096), maxRequestBytes)
	out := json.NewEncoder(sess.conn)

	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(sessionIdle))
		if !in.Scan() {
			break
		}
		if err := out.Encode(s.dispatch(ctx, sess, in.Bytes())); err != nil {
			sess.logger.Debug("write response failed", "error", err)
			return
		}
	}
	if err := in.Err(); err != nil && !s.isClosed() {
		sess.logger.Debug("control connection dropped", "error", err)
	}
}

// dispatch decodes one request line and routes it to the handler.
func (s *UDSServer) dispatch(ctx context.Context, sess *session, line []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		sess.logger.Warn("malformed request", "error", err)
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "invalid request: jsonrpc 2.0 with a method is required"},
		}
	}

	resp := s.handler.Handle(ctx, Command{Method: req.Method, Params: req.Params, ID: fmt.Sprintf("%v", req.ID)})
	return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resp.Result, Error: resp.Error}
}

// Stop closes the socket and every open connection, waits for in-flight
// requests and removes the socket file. It is safe to call more than once.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket %s: %w", s.path, err)
	}
	s.logger.Info("control socket closed")
	return nil
}

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
