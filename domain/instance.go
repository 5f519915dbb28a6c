package domain

import (
	"time"
)

// InstanceKey identifies the single instance a user may own per challenge.
type InstanceKey struct {
	UserID      string
	ChallengeID string
}

type InstanceState string

const (
	StateStopped       InstanceState = "stopped"
	StateQueuedStart   InstanceState = "queued_start"
	StateDeploying     InstanceState = "deploying"
	StateRunning       InstanceState = "running"
	StateQueuedStop    InstanceState = "queued_stop"
	StateStopping      InstanceState = "stopping"
	StateQueuedRestart InstanceState = "queued_restart"
	StateError         InstanceState = "error"
)

// Queued reports whether the state carries a deployment command waiting for
// its per-key worker.
func (s InstanceState) Queued() bool {
	return s == StateQueuedStart || s == StateQueuedStop || s == StateQueuedRestart
}

// Transitional reports whether a persisted record in this state reflects an
// interrupted operation of unknown real-world outcome after a crash.
func (s InstanceState) Transitional() bool {
	return s != StateStopped && s != StateRunning
}

type Instance struct {
	UserID      string
	ChallengeID string
	State       InstanceState
	Details     string
	StopTime    *time.Time
}
