package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrValidation        = errors.New("state validation failed")
)

// TransitionError is raised when no rule permits from→to for the context.
type TransitionError struct {
	EntityType string
	From       State
	To         State
	Reason     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s: %s", e.EntityType, e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Terminal marks the error as never retryable.
func (e *TransitionError) Terminal() bool { return true }

// ValidationError is raised when a state-entry invariant does not hold.
type ValidationError struct {
	EntityType string
	State      State
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s cannot enter %s: %s", e.EntityType, e.State, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Terminal() bool { return true }

// ActionError wraps a failing transition action.
type ActionError struct {
	EntityType string
	From       State
	To         State
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s transition %s -> %s action failed: %v", e.EntityType, e.From, e.To, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func (e *ActionError) Terminal() bool { return true }
