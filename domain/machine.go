package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownChallenge = errors.New("unknown challenge")
	ErrUnknownAction    = errors.New("unknown action")
	ErrRateLimited      = errors.New("too many actions")
	ErrInstanceLimit    = errors.New("instance limit reached")
	ErrPersistence      = errors.New("could not persist state change")
)

// ConflictError rejects an action that is not valid for the current state.
type ConflictError struct {
	State  InstanceState
	Action Action
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("action %s not allowed while %s", e.Action, e.State)
}

type Decision int

const (
	// DecisionReject refuses the action with a reason; no state change.
	DecisionReject Decision = iota
	// DecisionNoop accepts the action without any state change.
	DecisionNoop
	// DecisionTransition moves the instance to Transition.Next.
	DecisionTransition
	// DecisionExtend advances stop_time by one TTL; the state is unchanged.
	DecisionExtend
	// DecisionDefer records the action and replays it once the forced
	// cleanup out of the Error state has completed.
	DecisionDefer
)

type Transition struct {
	Decision Decision
	Next     InstanceState
	Err      error
}

func reject(state InstanceState, action Action) Transition {
	return Transition{Decision: DecisionReject, Err: &ConflictError{State: state, Action: action}}
}

func noop() Transition {
	return Transition{Decision: DecisionNoop}
}

func transition(next InstanceState) Transition {
	return Transition{Decision: DecisionTransition, Next: next}
}

// Apply is the synchronous half of the state machine: it maps the current
// state and a user action to a decision. It is total over all (state, action)
// pairs; unknown combinations are conflicts, never undefined states.
func Apply(state InstanceState, action Action) Transition {
	if state == StateError {
		return Transition{Decision: DecisionDefer}
	}

	switch action {
	case ActionStart:
		switch state {
		case StateStopped:
			return transition(StateQueuedStart)
		case StateQueuedStart:
			return noop()
		case StateQueuedStop:
			return noop()
		default:
			return reject(state, action)
		}
	case ActionStop:
		switch state {
		case StateStopped, StateQueuedStop, StateStopping:
			return noop()
		case StateQueuedStart, StateDeploying, StateRunning, StateQueuedRestart:
			return transition(StateQueuedStop)
		default:
			return reject(state, action)
		}
	case ActionRestart:
		switch state {
		case StateQueuedStart, StateQueuedRestart:
			return noop()
		case StateDeploying, StateRunning, StateQueuedStop:
			return transition(StateQueuedRestart)
		default:
			return reject(state, action)
		}
	case ActionExtend:
		if state == StateRunning {
			return Transition{Decision: DecisionExtend}
		}
		return reject(state, action)
	default:
		return Transition{Decision: DecisionReject, Err: ErrUnknownAction}
	}
}

// CommandFor returns the adapter command a queued state is waiting on. The
// Queued* states double as the coalesced follow-up: whatever queued state a
// record sits in when an in-flight call returns is what runs next.
func CommandFor(state InstanceState) (DeployCommand, bool) {
	switch state {
	case StateQueuedStart:
		return CommandStart, true
	case StateQueuedStop:
		return CommandStop, true
	case StateQueuedRestart:
		return CommandRestart, true
	}
	return "", false
}

// InFlightState returns the state a record holds while the given command's
// adapter call is running.
func InFlightState(cmd DeployCommand) InstanceState {
	if cmd == CommandStop {
		return StateStopping
	}
	return StateDeploying
}

// ApplyOutcome maps an in-flight state and the adapter outcome to the next
// state. Failures always pass through Error, which the dispatcher resolves
// to Stopped via a forced cleanup.
func ApplyOutcome(state InstanceState, ok bool) InstanceState {
	if !ok {
		return StateError
	}
	if state == StateStopping {
		return StateStopped
	}
	return StateRunning
}
