package remote

import (
	"errors"
	"fmt"

	"stocksync/internal/models"
)

// ErrEntityNotFound is returned by GetEntity when the server no longer has
// the entity.
var ErrEntityNotFound = errors.New("entity not found on server")

// TransientError marks a failure worth retrying: network errors, timeouts
// and 5xx responses.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient server error: http %d", e.StatusCode)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError marks a 4xx rejection. The payload itself is wrong, so
// retrying the same bytes can never succeed.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("server rejected operation (http %d): %s", e.StatusCode, e.Message)
}

// ConflictError carries the server's current state after a version check
// failed. ServerState is nil when the entity was deleted server-side.
type ConflictError struct {
	ServerState models.Payload
	Message     string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("version conflict: %s", e.Message)
	}
	return "version conflict"
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
