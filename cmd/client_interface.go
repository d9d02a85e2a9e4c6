package cmd

import (
	"context"

	"firestige.xyz/rawring/internal/command"
)

// ControlClient is the subset of the control socket client the commands
// use, so tests can substitute a mock.
type ControlClient interface {
	Call(ctx context.Context, method string, params interface{}) (*command.Response, error)
	CallInto(ctx context.Context, method string, params, out interface{}) error
	Kill(ctx context.Context, buffer string, id int64) error
	KillAll(ctx context.Context, buffer string) error
	ConfigReload(ctx context.Context) (*command.Response, error)
	Ping(ctx context.Context) error
}

// newClient returns the client used by the commands. Tests replace it.
var newClient = func() ControlClient {
	return command.NewUDSClient(socketPath, clientTimeout)
}
