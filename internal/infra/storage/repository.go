// Package storage defines the durable queue store contract shared by
// all backends. The queue manager owns exactly one store handle; no
// other component opens it.
package storage

import (
	"context"
	"errors"

	"github.com/vietddude/outpost/internal/core/domain"
)

var (
	// ErrUnavailable means the store could not be opened or has become
	// unusable. Callers fall back to an in-memory mirror instead of
	// failing; state is simply not preserved across restarts.
	ErrUnavailable = errors.New("operation store unavailable")

	// ErrDuplicateID is returned by Add when the primary id exists.
	ErrDuplicateID = errors.New("operation id already exists")

	// ErrDuplicateKey is returned by Add when the idempotency key is
	// already indexed.
	ErrDuplicateKey = errors.New("idempotency key already exists")

	// ErrNotFound is returned when an operation id is absent.
	ErrNotFound = errors.New("operation not found")
)

// OperationStore persists queued operations across process restarts.
type OperationStore interface {
	// Open prepares the store, creating or migrating its schema
	// forward. It retries once internally; a failure after that
	// returns ErrUnavailable and the store must not be used.
	Open(ctx context.Context) error

	// Add persists an operation. Fails with ErrDuplicateID or
	// ErrDuplicateKey without modifying the store.
	Add(ctx context.Context, op *domain.Operation) error

	// Get returns the operation with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Operation, error)

	// FindByKey returns the operation carrying the idempotency key,
	// or ErrNotFound.
	FindByKey(ctx context.Context, key string) (*domain.Operation, error)

	// List returns all operations ordered by CreatedAt ascending.
	// Backends without a usable created_at index fall back to an
	// unindexed scan plus client-side sort.
	List(ctx context.Context) ([]*domain.Operation, error)

	// Remove deletes one operation. Removing an absent id is not an
	// error.
	Remove(ctx context.Context, id string) error

	// Clear deletes every operation atomically.
	Clear(ctx context.Context) error

	// Count returns the number of stored operations.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying handle.
	Close() error
}
