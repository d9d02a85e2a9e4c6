package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// maxResponseBytes bounds one response line, enough for a full
// listener_read.
const maxResponseBytes = 2*maxReadBytes + 1<<16

// UDSClient talks to the daemon's control socket. Each call uses its own
// connection.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient returns a client for socketPath with a per-call timeout.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends one request and returns the decoded response. A JSON-RPC
// error is returned in the response, not as err.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID     interface{} `json:"id"`
		Result interface{} `json:"result"`
		Error  *ErrorInfo  `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &Response{ID: fmt.Sprintf("%v", resp.ID), Result: resp.Result, Error: resp.Error}, nil
}

// CallInto sends a command and decodes its result into out. A JSON-RPC
// error is returned as *ErrorInfo.
func (c *UDSClient) CallInto(ctx context.Context, method string, params, out interface{}) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *ErrorInfo      `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *UDSClient) call(ctx context.Context, method string, params interface{}) ([]byte, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxResponseBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}
	line := scanner.Bytes()

	var head struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", head.ID); got != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	return line, nil
}

// Register opens a listener on buffer.
func (c *UDSClient) Register(ctx context.Context, buffer string) (RegisterResult, error) {
	var res RegisterResult
	err := c.CallInto(ctx, "listener_register", ListenerParams{Buffer: buffer}, &res)
	return res, err
}

// Unregister closes a listener.
func (c *UDSClient) Unregister(ctx context.Context, buffer string, id int64) error {
	return c.CallInto(ctx, "listener_unregister", ListenerParams{Buffer: buffer, ListenerID: id}, nil)
}

// Wait acknowledges ack bytes and waits until min bytes are available or
// timeout passes.
func (c *UDSClient) Wait(ctx context.Context, buffer string, id int64, ack, min uint64, timeout time.Duration) (WaitResult, error) {
	var res WaitResult
	err := c.CallInto(ctx, "listener_wait", WaitParams{
		ListenerParams: ListenerParams{Buffer: buffer, ListenerID: id},
		Ack:            ack,
		Min:            min,
		TimeoutNS:      int64(timeout),
	}, &res)
	return res, err
}

// Read copies and consumes whole records, up to max bytes.
func (c *UDSClient) Read(ctx context.Context, buffer string, id int64, max uint64) (ReadResult, error) {
	var res ReadResult
	err := c.CallInto(ctx, "listener_read", ReadParams{
		ListenerParams: ListenerParams{Buffer: buffer, ListenerID: id},
		Max:            max,
	}, &res)
	return res, err
}

// Kill force-kills a listener.
func (c *UDSClient) Kill(ctx context.Context, buffer string, id int64) error {
	return c.CallInto(ctx, "listener_kill", ListenerParams{Buffer: buffer, ListenerID: id}, nil)
}

// KillAll force-kills every listener of buffer.
func (c *UDSClient) KillAll(ctx context.Context, buffer string) error {
	return c.CallInto(ctx, "listener_killall", BufferParams{Buffer: buffer}, nil)
}

// ConfigReload is a convenience method for config_reload command.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "config_reload", nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	return c.CallInto(ctx, "daemon_status", nil, nil)
}
