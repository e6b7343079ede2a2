package threads

import "strings"

// State is the lifecycle state shared by threads and tasks. The names follow
// process scheduling: a thread is runnable, sleeping, stuck in a call it cannot
// abandon, stopped by a signal, finished but not yet collected, or reaped.
type State string

const (
	StateRunning         State = "RUNNING"
	StateInterruptible   State = "INTERRUPTIBLE"
	StateUninterruptible State = "UNINTERRUPTIBLE"
	StateStopped         State = "STOPPED"
	StateZombie          State = "ZOMBIE"
	StateDead            State = "DEAD"
)

var allStates = []State{
	StateRunning,
	StateInterruptible,
	StateUninterruptible,
	StateStopped,
	StateZombie,
	StateDead,
}

// ParseState accepts any casing and returns false for unknown names.
func ParseState(v string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	for _, known := range allStates {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether no execution can happen in this state without a
// revival (ZOMBIE) or ever again (DEAD).
func (s State) IsTerminal() bool {
	return s == StateZombie || s == StateDead
}

// Stoppable reports whether an external stop signal may be applied.
func (s State) Stoppable() bool {
	switch s {
	case StateRunning, StateInterruptible, StateUninterruptible:
		return true
	default:
		return false
	}
}

// CanTransition encodes the state machine. Same-state transitions are allowed
// and treated as no-ops by callers.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateRunning:
		return to == StateUninterruptible || to == StateInterruptible || to == StateZombie || to == StateStopped
	case StateUninterruptible:
		// RUNNING covers both the normal response path and recovery of a
		// thread whose process died mid-call.
		return to == StateRunning || to == StateZombie || to == StateStopped
	case StateInterruptible:
		return to == StateRunning || to == StateStopped
	case StateStopped:
		return to == StateRunning
	case StateZombie:
		return to == StateDead || to == StateRunning
	case StateDead:
		return false
	default:
		return false
	}
}
