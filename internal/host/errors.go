package host

import "errors"

// Errors returned by host operations.
var (
	// ErrWorkerClosed is returned when a closed worker is used.
	ErrWorkerClosed = errors.New("worker is closed")

	// ErrQueueFull is returned when a worker cannot accept more messages
	// without blocking.
	ErrQueueFull = errors.New("worker queue full")

	// ErrSandboxNotFound is returned for an unknown sandbox name.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrInvalidToken is returned when an output acknowledges a token the
	// host did not issue.
	ErrInvalidToken = errors.New("invalid checkpoint token")
)
