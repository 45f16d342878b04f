package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrNotClaimable      = errors.New("task is not claimable")
	ErrNotCancellable    = errors.New("task cannot be cancelled")
	ErrUnknownType       = errors.New("unknown task type")
	ErrNoProcessor       = errors.New("no processor registered")
	ErrTimeout           = errors.New("task timed out")
)

// PermanentError marks a processor failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue dead-letters the task instead of
// rescheduling it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
