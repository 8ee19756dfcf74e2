package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/infra/storage"
	"github.com/vietddude/outpost/internal/infra/storage/memory"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(memory.NewStore(), cfg)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func enqueueN(t *testing.T, m *Manager, n int) []*domain.Operation {
	t.Helper()
	ops := make([]*domain.Operation, 0, n)
	for i := 0; i < n; i++ {
		op, err := m.Enqueue(context.Background(), domain.VerbPost, fmt.Sprintf("/v1/items/%d", i),
			[]byte(fmt.Sprintf(`{"n":%d}`, i)), nil)
		if err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
		ops = append(ops, op)
	}
	return ops
}

func TestEnqueuePreservesCallOrder(t *testing.T) {
	m := newTestManager(t, Config{})
	want := enqueueN(t, m, 10)

	got := m.List()
	if len(got) != 10 {
		t.Fatalf("List() returned %d ops, want 10", len(got))
	}
	for i := range got {
		if got[i].ID != want[i].ID {
			t.Errorf("List()[%d].ID = %s, want %s", i, got[i].ID, want[i].ID)
		}
		if i > 0 && got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Errorf("CreatedAt not non-decreasing at %d", i)
		}
	}
}

func TestEnqueueDuplicateKeyRejected(t *testing.T) {
	m := newTestManager(t, Config{})
	headers := map[string]string{domain.IdempotencyHeader: "caller-key"}

	if _, err := m.Enqueue(context.Background(), domain.VerbPost, "/v1/a", nil, headers); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	_, err := m.Enqueue(context.Background(), domain.VerbPut, "/v1/b", nil, headers)
	if !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("Enqueue(duplicate) error = %v, want ErrDuplicateOperation", err)
	}
	if m.Size() != 1 {
		t.Errorf("Size() = %d after duplicate, want 1", m.Size())
	}
}

func TestEnqueueEvictsExactlyOldest(t *testing.T) {
	m := newTestManager(t, Config{MaxItems: 3})
	first := enqueueN(t, m, 3)

	op4, err := m.Enqueue(context.Background(), domain.VerbPost, "/v1/items/3", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got := m.List()
	if len(got) != 3 {
		t.Fatalf("Size = %d after overflow, want 3", len(got))
	}
	if got[0].ID != first[1].ID || got[1].ID != first[2].ID || got[2].ID != op4.ID {
		t.Errorf("queue after eviction = [%s %s %s], want oldest evicted only",
			got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestFlushAppliesAll(t *testing.T) {
	m := newTestManager(t, Config{})
	enqueueN(t, m, 5)

	n, err := m.Flush(context.Background(), func(ctx context.Context, op *domain.Operation) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Flush() = %d, want 5", n)
	}
	if !m.IsEmpty() {
		t.Errorf("queue not empty after full flush, size = %d", m.Size())
	}
}

func TestFlushPartialFailureKeepsOrder(t *testing.T) {
	m := newTestManager(t, Config{})

	// Enqueue A, B, C while "offline"; replay succeeds for A and C.
	ctx := context.Background()
	a, _ := m.Enqueue(ctx, domain.VerbPost, "/v1/a", nil, nil)
	b, _ := m.Enqueue(ctx, domain.VerbPost, "/v1/b", nil, nil)
	c, _ := m.Enqueue(ctx, domain.VerbPost, "/v1/c", nil, nil)
	_ = a

	n, err := m.Flush(ctx, func(ctx context.Context, op *domain.Operation) error {
		if op.ID == b.ID {
			return errors.New("server hiccup")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Flush() = %d, want 2", n)
	}

	got := m.List()
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("queue after partial flush = %v, want exactly [B]", ids(got))
	}
	_ = c
}

func TestFlushTerminalFailureDeadLetters(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	bad, _ := m.Enqueue(ctx, domain.VerbPost, "/v1/bad", nil, nil)
	good, _ := m.Enqueue(ctx, domain.VerbPost, "/v1/good", nil, nil)

	n, err := m.Flush(ctx, func(ctx context.Context, op *domain.Operation) error {
		if op.ID == bad.ID {
			return fmt.Errorf("%w: upstream returned 422", domain.ErrTerminal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Flush() = %d, want 1", n)
	}
	if m.Size() != 0 {
		t.Errorf("Size() = %d, want 0 (terminal entry dead-lettered)", m.Size())
	}

	dead := m.DeadLetters()
	if len(dead) != 1 || dead[0].Operation.ID != bad.ID {
		t.Fatalf("DeadLetters() = %d entries, want the terminal one", len(dead))
	}

	// Requeue restores it with the same idempotency key.
	re, err := m.Requeue(ctx, bad.ID)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if re.IdempotencyKey != bad.IdempotencyKey {
		t.Errorf("Requeue key = %s, want %s", re.IdempotencyKey, bad.IdempotencyKey)
	}
	if len(m.DeadLetters()) != 0 {
		t.Error("dead letter not removed by Requeue")
	}
	_ = good
}

func TestFlushCancelLeavesRemainderUntouched(t *testing.T) {
	m := newTestManager(t, Config{})
	enqueueN(t, m, 5)

	ctx, cancel := context.WithCancel(context.Background())
	applied := 0
	n, err := m.Flush(ctx, func(ctx context.Context, op *domain.Operation) error {
		applied++
		if applied == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush() error = %v, want context.Canceled", err)
	}
	if n != 2 {
		t.Errorf("Flush() = %d, want 2", n)
	}
	if m.Size() != 3 {
		t.Errorf("Size() = %d after aborted flush, want 3", m.Size())
	}
}

func TestFlushSingleFlight(t *testing.T) {
	m := newTestManager(t, Config{})
	enqueueN(t, m, 3)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)

	go func() {
		n, _ := m.Flush(context.Background(), func(ctx context.Context, op *domain.Operation) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		})
		done <- n
	}()

	<-started
	n, err := m.Flush(context.Background(), func(ctx context.Context, op *domain.Operation) error {
		return nil
	})
	if !errors.Is(err, domain.ErrFlushInProgress) {
		t.Fatalf("concurrent Flush() error = %v, want ErrFlushInProgress", err)
	}
	if n != 0 {
		t.Errorf("concurrent Flush() = %d, want 0", n)
	}

	close(release)
	if n := <-done; n != 3 {
		t.Errorf("first Flush() = %d, want 3", n)
	}
}

func TestDegradedModeKeepsContracts(t *testing.T) {
	m := NewManager(&unavailableStore{}, Config{})
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() with unavailable store error = %v, want nil (degraded)", err)
	}
	if !m.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}

	ctx := context.Background()
	headers := map[string]string{domain.IdempotencyHeader: "k1"}
	if _, err := m.Enqueue(ctx, domain.VerbPost, "/v1/a", nil, headers); err != nil {
		t.Fatalf("Enqueue() degraded error = %v", err)
	}
	if _, err := m.Enqueue(ctx, domain.VerbPost, "/v1/b", nil, headers); !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Errorf("duplicate contract changed in degraded mode: %v", err)
	}

	n, err := m.Flush(ctx, func(ctx context.Context, op *domain.Operation) error { return nil })
	if err != nil || n != 1 {
		t.Errorf("Flush() degraded = (%d, %v), want (1, nil)", n, err)
	}
	if !m.IsEmpty() {
		t.Error("queue not empty after degraded flush")
	}
}

func TestPersistenceFailureDoesNotBlockEnqueue(t *testing.T) {
	m := NewManager(&flakyStore{Store: memory.NewStore()}, Config{})
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	op, err := m.Enqueue(context.Background(), domain.VerbPost, "/v1/a", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v, want success despite persistence failure", err)
	}
	if m.Size() != 1 {
		t.Errorf("Size() = %d, want 1", m.Size())
	}
	_ = op
}

func TestSubscribeReceivesChanges(t *testing.T) {
	m := newTestManager(t, Config{})
	ch, cancel := m.Subscribe()
	defer cancel()

	op, _ := m.Enqueue(context.Background(), domain.VerbPost, "/v1/a", nil, nil)

	select {
	case ev := <-ch:
		if ev.Type != EventEnqueued || ev.Op.ID != op.ID {
			t.Errorf("event = %+v, want enqueued %s", ev, op.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	m.Remove(context.Background(), op.ID)
	select {
	case ev := <-ch:
		if ev.Type != EventRemoved {
			t.Errorf("event = %+v, want removed", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no removal event received")
	}
}

func TestOpenRestoresPersistedQueue(t *testing.T) {
	store := memory.NewStore()
	m := NewManager(store, Config{})
	ctx := context.Background()
	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	enqueueN(t, m, 3)

	// A second manager over the same store sees the queue.
	m2 := NewManager(store, Config{})
	if err := m2.Open(ctx); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if m2.Size() != 3 {
		t.Errorf("restored Size() = %d, want 3", m2.Size())
	}
}

func ids(ops []*domain.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

// unavailableStore always fails to open.
type unavailableStore struct{}

func (s *unavailableStore) Open(ctx context.Context) error { return storage.ErrUnavailable }
func (s *unavailableStore) Add(ctx context.Context, op *domain.Operation) error {
	return storage.ErrUnavailable
}
func (s *unavailableStore) Get(ctx context.Context, id string) (*domain.Operation, error) {
	return nil, storage.ErrUnavailable
}
func (s *unavailableStore) FindByKey(ctx context.Context, key string) (*domain.Operation, error) {
	return nil, storage.ErrUnavailable
}
func (s *unavailableStore) List(ctx context.Context) ([]*domain.Operation, error) {
	return nil, storage.ErrUnavailable
}
func (s *unavailableStore) Remove(ctx context.Context, id string) error {
	return storage.ErrUnavailable
}
func (s *unavailableStore) Clear(ctx context.Context) error      { return storage.ErrUnavailable }
func (s *unavailableStore) Count(ctx context.Context) (int, error) {
	return 0, storage.ErrUnavailable
}
func (s *unavailableStore) Close() error { return nil }

// flakyStore opens fine but fails every write.
type flakyStore struct {
	*memory.Store
}

func (s *flakyStore) Add(ctx context.Context, op *domain.Operation) error {
	return errors.New("disk full")
}
