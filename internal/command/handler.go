// Package command implements the local control plane: a JSON-RPC command
// handler over the buffer registry and its Unix socket transport.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"firestige.xyz/rawring/internal/client"
	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/ingest"
	"firestige.xyz/rawring/internal/metrics"
)

// Version is reported by daemon_status.
var Version = "dev"

// maxReadBytes caps one listener_read response.
const maxReadBytes = 4 << 20

// CommandHandler maps control requests onto the buffer registry.
type CommandHandler struct {
	registry       *ingest.Registry
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
	logger         *slog.Logger
}

// ConfigReloader re-reads the daemon configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler serves the buffers of registry. reloader may be nil.
func NewCommandHandler(registry *ingest.Registry, reloader ConfigReloader, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		registry:       registry,
		configReloader: reloader,
		startTime:      time.Now(),
		logger:         logger,
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command is one decoded control request.
type Command struct {
	Method string          `json:"method"` // e.g., "listener_wait", "buffer_status"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response carries either Result or Error.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo is a JSON-RPC error object.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeSilentlyRejected = -32001 // Listener was force-killed recently
	ErrCodeNotFound         = -32002 // Unknown buffer or listener
	ErrCodeKilled           = -32003 // Listener or buffer is being torn down
	ErrCodeBusy             = -32004 // No free listener slot
)

type handlerFunc func(context.Context, Command) Response

func (h *CommandHandler) route(method string) (handlerFunc, bool) {
	switch method {
	case "listener_register":
		return h.handleListenerRegister, true
	case "listener_unregister":
		return h.handleListenerUnregister, true
	case "listener_wait":
		return h.handleListenerWait, true
	case "listener_read":
		return h.handleListenerRead, true
	case "listener_offsets":
		return h.handleListenerOffsets, true
	case "listener_kill":
		return h.handleListenerKill, true
	case "listener_killall":
		return h.handleListenerKillAll, true
	case "buffer_info":
		return h.handleBufferInfo, true
	case "buffer_status":
		return h.handleBufferStatus, true
	case "buffer_check":
		return h.handleBufferCheck, true
	case "config_reload":
		return h.handleConfigReload, true
	case "daemon_shutdown":
		return h.handleDaemonShutdown, true
	case "daemon_status":
		return h.handleDaemonStatus, true
	}
	return nil, false
}

// Handle routes cmd and counts the outcome.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	// Reader traffic is high-frequency.
	if strings.HasPrefix(cmd.Method, "listener_") {
		h.logger.Debug("handling command", "method", cmd.Method, "id", cmd.ID)
	} else {
		h.logger.Info("handling command", "method", cmd.Method, "id", cmd.ID)
	}

	fn, ok := h.route(cmd.Method)
	if !ok {
		metrics.CommandRequestsTotal.WithLabelValues("unknown", "error").Inc()
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}

	resp := fn(ctx, cmd)
	result := "ok"
	if resp.Error != nil {
		result = "error"
	}
	metrics.CommandRequestsTotal.WithLabelValues(cmd.Method, result).Inc()
	return resp
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// failure maps err to a response code. Force-killed readers keep polling
// for a while, so their rejections are logged at debug only.
func (h *CommandHandler) failure(cmd Command, err error) Response {
	code := ErrCodeInternalError
	switch {
	case errors.Is(err, core.ErrSilentlyRejected):
		h.logger.Debug("request from force-killed listener rejected", "method", cmd.Method, "error", err)
		return errorResponse(cmd.ID, ErrCodeSilentlyRejected, err.Error())
	case errors.Is(err, core.ErrBufferNotFound), errors.Is(err, core.ErrListenerNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, core.ErrListenerKilled), errors.Is(err, core.ErrBufferStopped):
		code = ErrCodeKilled
	case errors.Is(err, core.ErrNoFreeSlot):
		code = ErrCodeBusy
	case errors.Is(err, core.ErrInvalidListener), errors.Is(err, core.ErrAlreadyRegistered):
		code = ErrCodeInvalidParams
	}
	h.logger.Warn("command failed", "method", cmd.Method, "error", err)
	return errorResponse(cmd.ID, code, err.Error())
}

func decodeParams(cmd Command, out any) *Response {
	if len(cmd.Params) == 0 || string(cmd.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, out); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		return &resp
	}
	return nil
}

// BufferParams selects a buffer. An empty name selects the only buffer.
type BufferParams struct {
	Buffer string `json:"buffer,omitempty"`
}

// ListenerParams selects a listener of a buffer.
type ListenerParams struct {
	Buffer     string `json:"buffer,omitempty"`
	ListenerID int64  `json:"listener_id"`
}

// WaitParams acknowledges consumed bytes and waits for more.
type WaitParams struct {
	ListenerParams
	Ack       uint64 `json:"ack"`
	Min       uint64 `json:"min"`
	TimeoutNS int64  `json:"timeout_ns"` // 0 waits without bound
}

// ReadParams copies whole records from the listener's read offset.
type ReadParams struct {
	ListenerParams
	Max  uint64 `json:"max"`
	Peek bool   `json:"peek"` // leave the records unconsumed
}

// RegisterResult describes a new listener.
type RegisterResult struct {
	Buffer      string `json:"buffer"`
	ListenerID  int64  `json:"listener_id"`
	Slot        int    `json:"slot"`
	ReadOffset  uint64 `json:"read_offset"`
	WriteOffset uint64 `json:"write_offset"`
}

// WaitResult reports a listener's position after listener_wait.
type WaitResult struct {
	Available   uint64 `json:"available"`
	ReadOffset  uint64 `json:"read_offset"`
	WriteOffset uint64 `json:"write_offset"`
}

// ReadResult carries a copy of the RAW stream.
type ReadResult struct {
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
}

func (h *CommandHandler) handleListenerRegister(_ context.Context, cmd Command) Response {
	var params ListenerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}

	id := params.ListenerID
	if id == 0 {
		id = buf.NextHandle()
	}
	slot, err := buf.Listeners().Register(id)
	if err != nil {
		return h.failure(cmd, err)
	}
	l, _ := buf.Listeners().LookupSlot(slot)
	return Response{ID: cmd.ID, Result: RegisterResult{
		Buffer:      buf.Name(),
		ListenerID:  id,
		Slot:        slot,
		ReadOffset:  l.ReadOffset(),
		WriteOffset: l.WriteOffset(),
	}}
}

func (h *CommandHandler) handleListenerUnregister(_ context.Context, cmd Command) Response {
	var params ListenerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	if err := buf.Listeners().Unregister(params.ListenerID); err != nil {
		if buf.Listeners().IsForceKilled(params.ListenerID) {
			err = fmt.Errorf("listener %d: %w", params.ListenerID, core.ErrSilentlyRejected)
		}
		return h.failure(cmd, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{
		"listener_id": params.ListenerID,
		"status":      "unregistered",
	}}
}

func (h *CommandHandler) handleListenerWait(ctx context.Context, cmd Command) Response {
	var params WaitParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	table := buf.Listeners()
	if err := table.Ack(params.ListenerID, params.Ack); err != nil {
		return h.failure(cmd, err)
	}

	var avail uint64
	if params.TimeoutNS > 0 {
		avail, err = table.WaitTimeout(ctx, params.ListenerID, params.Min, time.Duration(params.TimeoutNS))
	} else {
		avail, err = table.Wait(ctx, params.ListenerID, params.Min)
	}
	if err != nil {
		return h.failure(cmd, err)
	}
	l, ok := table.Lookup(params.ListenerID)
	if !ok {
		return h.failure(cmd, fmt.Errorf("listener %d: %w", params.ListenerID, core.ErrListenerNotFound))
	}
	return Response{ID: cmd.ID, Result: WaitResult{
		Available:   avail,
		ReadOffset:  l.ReadOffset(),
		WriteOffset: l.WriteOffset(),
	}}
}

func (h *CommandHandler) handleListenerRead(_ context.Context, cmd Command) Response {
	var params ReadParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.Max == 0 || params.Max > maxReadBytes {
		params.Max = maxReadBytes
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	table := buf.Listeners()
	l, ok := table.Lookup(params.ListenerID)
	if !ok {
		if table.IsForceKilled(params.ListenerID) {
			return h.failure(cmd, fmt.Errorf("listener %d: %w", params.ListenerID, core.ErrSilentlyRejected))
		}
		return h.failure(cmd, fmt.Errorf("listener %d: %w", params.ListenerID, core.ErrListenerNotFound))
	}

	offset := l.ReadOffset()
	data, err := client.CopyRecords(buf.Ring(), l, params.Max)
	if err != nil {
		return h.failure(cmd, err)
	}
	if !params.Peek {
		if err := table.Ack(params.ListenerID, uint64(len(data))); err != nil {
			return h.failure(cmd, err)
		}
	}
	return Response{ID: cmd.ID, Result: ReadResult{Offset: offset, Data: data}}
}

func (h *CommandHandler) handleListenerOffsets(_ context.Context, cmd Command) Response {
	var params ListenerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	st := buf.Listeners().Snapshot()
	if params.ListenerID == 0 {
		return Response{ID: cmd.ID, Result: st}
	}
	for _, o := range st.Listeners {
		if o.ID == params.ListenerID {
			return Response{ID: cmd.ID, Result: o}
		}
	}
	if buf.Listeners().IsForceKilled(params.ListenerID) {
		return h.failure(cmd, fmt.Errorf("listener %d: %w", params.ListenerID, core.ErrSilentlyRejected))
	}
	return h.failure(cmd, fmt.Errorf("listener %d: %w", params.ListenerID, core.ErrListenerNotFound))
}

func (h *CommandHandler) handleListenerKill(ctx context.Context, cmd Command) Response {
	var params ListenerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	if err := buf.Listeners().Kill(ctx, params.ListenerID); err != nil {
		return h.failure(cmd, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{
		"listener_id": params.ListenerID,
		"status":      "killed",
	}}
}

// handleListenerKillAll force-kills every registered listener of the
// buffer. The buffer keeps running and accepts new listeners.
func (h *CommandHandler) handleListenerKillAll(ctx context.Context, cmd Command) Response {
	var params BufferParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}

	table := buf.Listeners()
	var ids []int64
	for _, o := range table.Snapshot().Listeners {
		ids = append(ids, o.ID)
	}
	var wg conc.WaitGroup
	for _, id := range ids {
		id := id
		wg.Go(func() {
			if err := table.Kill(ctx, id); err != nil {
				h.logger.Debug("kill skipped", "listener", id, "error", err)
			}
		})
	}
	wg.Wait()

	return Response{ID: cmd.ID, Result: map[string]interface{}{
		"buffer": buf.Name(),
		"killed": ids,
	}}
}

func (h *CommandHandler) handleBufferInfo(_ context.Context, cmd Command) Response {
	var params BufferParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	return Response{ID: cmd.ID, Result: buf.Info()}
}

// handleBufferStatus returns one buffer's status, or every buffer's when
// no name is given.
func (h *CommandHandler) handleBufferStatus(_ context.Context, cmd Command) Response {
	var params BufferParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.Buffer == "" {
		all := make([]ingest.Status, 0, h.registry.Len())
		for _, b := range h.registry.List() {
			all = append(all, b.Status())
		}
		return Response{ID: cmd.ID, Result: map[string]interface{}{"buffers": all}}
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"buffers": []ingest.Status{buf.Status()}}}
}

func (h *CommandHandler) handleBufferCheck(_ context.Context, cmd Command) Response {
	var params BufferParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	buf, err := h.registry.Get(params.Buffer)
	if err != nil {
		return h.failure(cmd, err)
	}
	rep := buf.Check()
	if !rep.OK() {
		h.logger.Warn("buffer check found inconsistencies", "buffer", buf.Name(), "report", rep)
	}
	return Response{ID: cmd.ID, Result: rep}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not configured")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

// handleDaemonShutdown handles the daemon_shutdown command.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown not supported")
	}
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}

// DaemonStatus is the result of daemon_status.
type DaemonStatus struct {
	Version   string         `json:"version"`
	PID       int            `json:"pid"`
	UptimeSec int64          `json:"uptime_sec"`
	Buffers   []BufferDigest `json:"buffers"`
}

// BufferDigest summarizes one buffer in DaemonStatus.
type BufferDigest struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Listeners int    `json:"listeners"`
	Used      uint64 `json:"used"`
	Frames    uint64 `json:"frames"`
	Lost      uint64 `json:"lost"`
}

// handleDaemonStatus summarises every buffer.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	st := DaemonStatus{
		Version:   Version,
		PID:       os.Getpid(),
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
		Buffers:   make([]BufferDigest, 0, h.registry.Len()),
	}
	for _, b := range h.registry.List() {
		c := b.Counters()
		st.Buffers = append(st.Buffers, BufferDigest{
			Name:      b.Name(),
			Running:   b.Running(),
			Listeners: b.Listeners().Count(),
			Used:      b.Listeners().Global().Used(),
			Frames:    c.Frames,
			Lost:      c.Lost,
		})
	}
	return Response{ID: cmd.ID, Result: st}
}
