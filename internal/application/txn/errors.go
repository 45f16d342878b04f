package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bountyhub/bountyhub/internal/domain/document"
)

// ConcurrencyError reports an optimistic-lock violation: the caller expected
// LocalVersion but the store holds RemoteVersion.
type ConcurrencyError struct {
	Collection    string
	ID            string
	LocalVersion  int64
	RemoteVersion int64
	RemoteData    map[string]any
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of %s/%s: expected version %d, found %d",
		e.Collection, e.ID, e.LocalVersion, e.RemoteVersion)
}

// IsConcurrencyError reports whether err carries a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// terminal is implemented by business errors that must never be retried.
type terminal interface {
	Terminal() bool
}

// IsRetryable classifies a failed unit of work.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var t terminal
	if errors.As(err, &t) && t.Terminal() {
		return false
	}
	if IsConcurrencyError(err) {
		return true
	}
	if errors.Is(err, document.ErrAborted) ||
		errors.Is(err, document.ErrUnavailable) ||
		errors.Is(err, document.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"transaction", "unavailable", "deadline-exceeded", "aborted"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
