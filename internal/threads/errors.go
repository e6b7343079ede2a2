package threads

import (
	"errors"
	"fmt"
)

var (
	ErrThreadBusy        = errors.New("thread already running")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrValidation        = errors.New("validation failed")
	ErrThreadStopped     = errors.New("thread is stopped")
	ErrThreadDead        = errors.New("thread is dead")
	ErrAlreadyExists     = errors.New("already exists")
)

// ConcurrencyError is returned when a second execution is attempted on a thread
// that is already executing in this process. Callers retry later; nothing
// inside the runtime retries it.
type ConcurrencyError struct {
	ThreadID string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("thread %s already running", e.ThreadID)
}

func (e *ConcurrencyError) Unwrap() error {
	return ErrThreadBusy
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type StateTransitionError struct {
	ThreadID string
	From     State
	To       State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.ThreadID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Phases reported by TickError.
const (
	PhaseModel   = "model"
	PhaseTool    = "tool"
	PhaseStorage = "storage"
)

// TickError wraps a failure inside one engine iteration.
type TickError struct {
	ThreadID string
	Tick     int64
	Phase    string
	Err      error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("thread %s tick %d: %s: %v", e.ThreadID, e.Tick, e.Phase, e.Err)
}

func (e *TickError) Unwrap() error {
	return e.Err
}

func IsBusy(err error) bool {
	return errors.Is(err, ErrThreadBusy)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func AsTransitionError(err error) (*StateTransitionError, bool) {
	var transitionErr *StateTransitionError
	if errors.As(err, &transitionErr) {
		return transitionErr, true
	}
	return nil, false
}
