// Package memory provides an in-memory OperationStore. It backs tests
// and the degraded mode the queue manager falls back to when the
// durable backend reports unavailable.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/infra/storage"
)

type Store struct {
	mu     sync.RWMutex
	ops    map[string]*domain.Operation
	byKey  map[string]string // idempotency key -> operation id
	opened bool
}

func NewStore() *Store {
	return &Store{
		ops:   make(map[string]*domain.Operation),
		byKey: make(map[string]string),
	}
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *Store) Add(ctx context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return storage.ErrDuplicateID
	}
	if _, ok := s.byKey[op.IdempotencyKey]; ok {
		return storage.ErrDuplicateKey
	}
	s.ops[op.ID] = op.Clone()
	s.byKey[op.IdempotencyKey] = op.ID
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return op.Clone(), nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.ops[id].Clone(), nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.ops[id]; ok {
		delete(s.byKey, op.IdempotencyKey)
		delete(s.ops, id)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make(map[string]*domain.Operation)
	s.byKey = make(map[string]string)
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops), nil
}

func (s *Store) Close() error { return nil }
