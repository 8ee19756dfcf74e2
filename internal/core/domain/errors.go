package domain

import "errors"

// Queue-level sentinel errors surfaced to callers.
var (
	// ErrDuplicateOperation is returned by Enqueue when the idempotency
	// key is already present in the live queue.
	ErrDuplicateOperation = errors.New("operation already queued")

	// ErrQueueFull is returned when the queue is at capacity and the
	// oldest entry could not be evicted.
	ErrQueueFull = errors.New("queue full")

	// ErrStorageUnavailable indicates the durable store could not be
	// opened or used; the queue keeps running on its in-memory mirror.
	ErrStorageUnavailable = errors.New("durable storage unavailable")

	// ErrFlushInProgress is returned when a flush is already running;
	// the second caller should treat it as a no-op.
	ErrFlushInProgress = errors.New("flush already in progress")

	// ErrNotQueued is returned when an operation id is not present.
	ErrNotQueued = errors.New("operation not queued")

	// ErrTerminal wraps a replay failure that can never succeed on
	// retry. Flush moves such operations to the dead-letter shelf.
	ErrTerminal = errors.New("terminal replay failure")
)
