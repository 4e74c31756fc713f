package database

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the queue holds the
	// configured maximum of live entries. Callers must surface it to the
	// user; the queue never evicts to make room.
	ErrQueueFull = errors.New("sync queue is full")

	// ErrNotFound is returned when an operation id does not exist.
	ErrNotFound = errors.New("queued operation not found")

	// ErrInvalidTransition is returned when a status change would move an
	// operation backwards (e.g. completing an entry that is not
	// processing, or resolving one that is not in conflict).
	ErrInvalidTransition = errors.New("invalid queue status transition")
)
