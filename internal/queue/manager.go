// Package queue holds operations awaiting replay upstream. The manager
// is the single source of truth: a FIFO in-memory mirror authoritative
// for ordering, persisted best-effort through an injected durable
// store. Construct one per queue; there are no package globals.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/core/keygen"
	"github.com/vietddude/outpost/internal/infra/storage"
	"github.com/vietddude/outpost/internal/metrics"
)

// ApplyFunc replays one operation during a flush. A nil return removes
// the operation; an error wrapped with domain.ErrTerminal moves it to
// the dead-letter shelf; any other error leaves it queued.
type ApplyFunc func(ctx context.Context, op *domain.Operation) error

// Config bounds the queue.
type Config struct {
	MaxItems       int `yaml:"max_items"`
	MaxDeadLetters int `yaml:"max_dead_letters"`
}

const (
	defaultMaxItems       = 500
	defaultMaxDeadLetters = 100
)

type Manager struct {
	log      *slog.Logger
	maxItems int
	maxDead  int

	mu          sync.Mutex
	ops         []*domain.Operation // FIFO, authoritative order
	byKey       map[string]struct{}
	dead        []*domain.DeadOperation
	lastCreated time.Time
	subs        map[int]chan Event
	nextSubID   int

	store    storage.OperationStore
	degraded atomic.Bool // durable store unusable, memory only

	flushing atomic.Bool
}

// NewManager creates a queue over the given durable store. The store
// handle becomes exclusively owned by the manager.
func NewManager(store storage.OperationStore, cfg Config) *Manager {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = defaultMaxDeadLetters
	}
	return &Manager{
		log:      slog.With("component", "queue"),
		maxItems: cfg.MaxItems,
		maxDead:  cfg.MaxDeadLetters,
		byKey:    make(map[string]struct{}),
		subs:     make(map[int]chan Event),
		store:    store,
	}
}

// Open opens the durable store and loads surviving operations into the
// mirror. An unavailable store is a documented degraded mode, not an
// error: the queue keeps working memory-only and state is simply not
// preserved across restarts.
func (m *Manager) Open(ctx context.Context) error {
	if err := m.store.Open(ctx); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			m.log.Warn("durable store unavailable, running memory-only", "error", err)
			m.setDegraded(true)
			return nil
		}
		return err
	}

	ops, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("could not load persisted queue, running memory-only", "error", err)
		m.setDegraded(true)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		m.ops = append(m.ops, op)
		m.byKey[op.IdempotencyKey] = struct{}{}
		if op.CreatedAt.After(m.lastCreated) {
			m.lastCreated = op.CreatedAt
		}
	}
	metrics.QueueDepth.Set(float64(len(m.ops)))
	if len(ops) > 0 {
		m.log.Info("restored queued operations", "count", len(ops))
	}
	return nil
}

func (m *Manager) setDegraded(v bool) {
	m.degraded.Store(v)
	if v {
		metrics.StorageDegraded.Set(1)
	} else {
		metrics.StorageDegraded.Set(0)
	}
}

// Degraded reports whether the queue is running memory-only.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// Enqueue appends a mutating operation to the queue tail. The
// idempotency key is taken from headers when the caller supplied one,
// otherwise generated. Returns domain.ErrDuplicateOperation when the
// key is already queued, leaving the queue unchanged. When the queue
// is full, exactly the oldest entry is evicted first.
func (m *Manager) Enqueue(ctx context.Context, verb domain.Verb, target string, payload []byte, headers map[string]string) (*domain.Operation, error) {
	key := headers[domain.IdempotencyHeader]
	if key == "" {
		key = keygen.New()
	}

	m.mu.Lock()

	if _, dup := m.byKey[key]; dup {
		m.mu.Unlock()
		metrics.DuplicatesSuppressed.Inc()
		return nil, domain.ErrDuplicateOperation
	}

	// CreatedAt values must be non-decreasing in insertion order even
	// if the wall clock steps backwards.
	now := time.Now()
	if !now.After(m.lastCreated) {
		now = m.lastCreated.Add(time.Nanosecond)
	}
	m.lastCreated = now

	op := &domain.Operation{
		ID:             keygen.New(),
		Target:         target,
		Verb:           verb,
		Payload:        append([]byte(nil), payload...),
		Headers:        cloneHeaders(headers),
		IdempotencyKey: key,
		CreatedAt:      now,
	}

	var evicted *domain.Operation
	if len(m.ops) >= m.maxItems {
		evicted = m.ops[0]
		m.ops = m.ops[1:]
		delete(m.byKey, evicted.IdempotencyKey)
	}

	m.ops = append(m.ops, op)
	m.byKey[key] = struct{}{}
	metrics.QueueDepth.Set(float64(len(m.ops)))

	if evicted != nil {
		metrics.OperationsEvicted.Inc()
		m.notify(Event{Type: EventEvicted, Op: evicted})
	}
	m.notify(Event{Type: EventEnqueued, Op: op})
	m.mu.Unlock()

	// Persistence is best-effort: the in-memory enqueue already
	// succeeded and a storage failure must not take it back.
	if evicted != nil {
		m.persistRemove(ctx, evicted.ID)
	}
	m.persistAdd(ctx, op)

	metrics.OperationsEnqueued.WithLabelValues(string(verb)).Inc()
	return op.Clone(), nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (m *Manager) persistAdd(ctx context.Context, op *domain.Operation) {
	if m.degraded.Load() {
		return
	}
	if err := m.store.Add(ctx, op); err != nil {
		m.storageFailure("add", op.ID, err)
	}
}

func (m *Manager) persistRemove(ctx context.Context, id string) {
	if m.degraded.Load() {
		return
	}
	if err := m.store.Remove(ctx, id); err != nil {
		m.storageFailure("remove", id, err)
	}
}

func (m *Manager) storageFailure(op, id string, err error) {
	metrics.StorageErrors.WithLabelValues(op).Inc()
	if errors.Is(err, storage.ErrUnavailable) {
		m.log.Warn("durable store lost, continuing memory-only", "error", err)
		m.setDegraded(true)
		return
	}
	m.log.Error("durable store write failed", "op", op, "id", id, "error", err)
}

// Flush replays a snapshot of the queue in FIFO order. A failed entry
// stays in place and does not block later entries in the same pass.
// Concurrent flushes coalesce: the second caller gets
// domain.ErrFlushInProgress and applies nothing. Returns the number of
// operations successfully applied.
func (m *Manager) Flush(ctx context.Context, apply ApplyFunc) (int, error) {
	if !m.flushing.CompareAndSwap(false, true) {
		return 0, domain.ErrFlushInProgress
	}
	defer m.flushing.Store(false)

	start := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()

	snapshot := m.List()
	applied := 0

	for _, op := range snapshot {
		// Aborting a flush stops scheduling further applies; entries
		// not yet attempted stay untouched.
		if ctx.Err() != nil {
			m.log.Info("flush aborted", "applied", applied, "remaining", len(snapshot)-applied)
			return applied, ctx.Err()
		}

		err := apply(ctx, op)
		switch {
		case err == nil:
			m.remove(ctx, op.ID, EventApplied)
			metrics.OperationsReplayed.WithLabelValues("applied").Inc()
			applied++
		case errors.Is(err, domain.ErrTerminal):
			m.deadLetter(ctx, op, err)
			metrics.OperationsReplayed.WithLabelValues("dead_lettered").Inc()
		default:
			metrics.OperationsReplayed.WithLabelValues("failed").Inc()
			m.log.Warn("replay failed, keeping operation queued", "id", op.ID, "error", err)
		}
	}

	if applied > 0 {
		m.log.Info("flush complete", "applied", applied, "remaining", m.Size())
	}
	return applied, nil
}

// remove deletes one operation from mirror and store.
func (m *Manager) remove(ctx context.Context, id string, ev EventType) *domain.Operation {
	m.mu.Lock()
	var removed *domain.Operation
	for i, op := range m.ops {
		if op.ID == id {
			removed = op
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			delete(m.byKey, op.IdempotencyKey)
			break
		}
	}
	if removed != nil {
		metrics.QueueDepth.Set(float64(len(m.ops)))
		m.notify(Event{Type: ev, Op: removed})
	}
	m.mu.Unlock()

	if removed != nil {
		m.persistRemove(ctx, id)
	}
	return removed
}

// Remove deletes one operation explicitly.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	return m.remove(ctx, id, EventRemoved) != nil
}

// Clear empties the queue.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.ops = nil
	m.byKey = make(map[string]struct{})
	metrics.QueueDepth.Set(0)
	m.notify(Event{Type: EventCleared})
	m.mu.Unlock()

	if m.degraded.Load() {
		return nil
	}
	if err := m.store.Clear(ctx); err != nil {
		m.storageFailure("clear", "", err)
	}
	return nil
}

// Size returns the number of queued operations.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// IsEmpty reports whether the queue has no pending operations.
func (m *Manager) IsEmpty() bool { return m.Size() == 0 }

// List returns an ordered read-only snapshot of the queue.
func (m *Manager) List() []*domain.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Operation, len(m.ops))
	for i, op := range m.ops {
		out[i] = op.Clone()
	}
	return out
}

// Close releases the durable store handle.
func (m *Manager) Close() error {
	if m.degraded.Load() {
		return nil
	}
	return m.store.Close()
}
