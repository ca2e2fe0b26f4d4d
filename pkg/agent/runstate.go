package agent

import "errors"

// Run states for one work item's pass through the executor.
const (
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateStreaming = "STREAMING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateDegraded  = "DEGRADED"
)

var ErrInvalidTransition = errors.New("invalid run transition")

type Event string

const (
	EventStart      Event = "START"
	EventFirstChunk Event = "FIRST_CHUNK"
	EventComplete   Event = "COMPLETE"
	EventFail       Event = "FAIL"
	EventDegrade    Event = "DEGRADE"
)

func CanTransition(from, to string) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateFailed || to == StateDegraded
	case StateRunning:
		return to == StateStreaming || to == StateCompleted || to == StateFailed || to == StateDegraded
	case StateStreaming:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventStart:
		return Transition(from, StateRunning)
	case EventFirstChunk:
		return Transition(from, StateStreaming)
	case EventComplete:
		return Transition(from, StateCompleted)
	case EventFail:
		return Transition(from, StateFailed)
	case EventDegrade:
		return Transition(from, StateDegraded)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateDegraded:
		return true
	default:
		return false
	}
}
