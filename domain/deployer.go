package domain

import (
	"context"
	"errors"
)

type DeployCommand string

const (
	CommandStart   DeployCommand = "start"
	CommandStop    DeployCommand = "stop"
	CommandRestart DeployCommand = "restart"
	CommandCleanup DeployCommand = "cleanup"
)

// ErrUnsupported is the designated "nothing to do" outcome of an adapter
// command. Callers treat it as success with empty details; cleanup on a key
// that owns no resource reports it instead of failing.
var ErrUnsupported = errors.New("command unsupported by deployer")

// Deployer drives the actual provisioning/teardown work. Implementations are
// opaque and offer no cancellation: a call bounded by ctx that overruns is
// abandoned, not killed, and the caller treats the timeout as a failure.
type Deployer interface {
	Invoke(ctx context.Context, cmd DeployCommand, challenge *Challenge, userToken string) (details string, err error)
}
