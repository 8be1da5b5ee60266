package worker

import "errors"

// Sentinel errors for queue operations
var (
	// ErrQueueStopped indicates the queue has been stopped and accepts no more work
	ErrQueueStopped = errors.New("worker queue stopped")

	// ErrQueueAlreadyStarted indicates Start() was called on an already-started queue
	ErrQueueAlreadyStarted = errors.New("worker queue already started")

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout indicates the queue didn't drain within the timeout
	ErrStopTimeout = errors.New("timeout waiting for queue to drain")
)
