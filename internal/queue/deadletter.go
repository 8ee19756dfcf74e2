package queue

import (
	"context"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
)

// deadLetter parks an operation whose replay failed terminally.
// Retrying a 4xx forever would block the queue; parking keeps the
// entry inspectable instead of silently dropping it.
func (m *Manager) deadLetter(ctx context.Context, op *domain.Operation, cause error) {
	m.remove(ctx, op.ID, EventDeadLettered)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dead) >= m.maxDead {
		m.dead = m.dead[1:]
	}
	m.dead = append(m.dead, &domain.DeadOperation{
		Operation: op.Clone(),
		Reason:    cause.Error(),
		FailedAt:  time.Now(),
	})
	m.log.Warn("operation dead-lettered", "id", op.ID, "target", op.Target, "reason", cause)
}

// DeadLetters returns a snapshot of the dead-letter shelf, oldest
// first.
func (m *Manager) DeadLetters() []*domain.DeadOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.DeadOperation, len(m.dead))
	for i, d := range m.dead {
		out[i] = &domain.DeadOperation{
			Operation: d.Operation.Clone(),
			Reason:    d.Reason,
			FailedAt:  d.FailedAt,
		}
	}
	return out
}

// Requeue moves a dead-lettered operation back onto the live queue
// tail with a fresh position but its original idempotency key.
func (m *Manager) Requeue(ctx context.Context, id string) (*domain.Operation, error) {
	m.mu.Lock()
	var found *domain.DeadOperation
	for i, d := range m.dead {
		if d.Operation.ID == id {
			found = d
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return nil, domain.ErrNotQueued
	}

	op := found.Operation
	return m.Enqueue(ctx, op.Verb, op.Target, op.Payload, mergeKey(op.Headers, op.IdempotencyKey))
}

// PurgeDeadLetters discards the dead-letter shelf.
func (m *Manager) PurgeDeadLetters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.dead)
	m.dead = nil
	return n
}

func mergeKey(headers map[string]string, key string) map[string]string {
	out := cloneHeaders(headers)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[domain.IdempotencyHeader] = key
	return out
}
