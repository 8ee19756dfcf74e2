package badger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/infra/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(Config{Path: t.TempDir()})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOp(i int, createdAt time.Time) *domain.Operation {
	return &domain.Operation{
		ID:             fmt.Sprintf("op-%03d", i),
		Target:         "/v1/sales",
		Verb:           domain.VerbPost,
		Payload:        []byte(fmt.Sprintf(`{"n":%d}`, i)),
		IdempotencyKey: fmt.Sprintf("key-%03d", i),
		CreatedAt:      createdAt,
	}
}

func TestAddListOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := s.Add(ctx, testOp(i, base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
	}

	ops, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("List() returned %d ops, want 5", len(ops))
	}
	for i, op := range ops {
		if want := fmt.Sprintf("op-%03d", i); op.ID != want {
			t.Errorf("List()[%d].ID = %s, want %s", i, op.ID, want)
		}
	}
}

func TestAddDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := testOp(1, time.Now())
	if err := s.Add(ctx, op); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.Add(ctx, op); err != storage.ErrDuplicateID {
		t.Errorf("Add(same id) error = %v, want ErrDuplicateID", err)
	}

	other := testOp(2, time.Now())
	other.IdempotencyKey = op.IdempotencyKey
	if err := s.Add(ctx, other); err != storage.ErrDuplicateKey {
		t.Errorf("Add(same key) error = %v, want ErrDuplicateKey", err)
	}

	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d after duplicate adds, want 1", n)
	}
}

func TestRemoveAndFindByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := testOp(1, time.Now())
	if err := s.Add(ctx, op); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	found, err := s.FindByKey(ctx, op.IdempotencyKey)
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if found.ID != op.ID {
		t.Errorf("FindByKey().ID = %s, want %s", found.ID, op.ID)
	}

	if err := s.Remove(ctx, op.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Get(ctx, op.ID); err != storage.ErrNotFound {
		t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
	}
	if _, err := s.FindByKey(ctx, op.IdempotencyKey); err != storage.ErrNotFound {
		t.Errorf("FindByKey() after Remove error = %v, want ErrNotFound", err)
	}

	// Removing an absent id is not an error.
	if err := s.Remove(ctx, "nope"); err != nil {
		t.Errorf("Remove(absent) error = %v, want nil", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewStore(Config{Path: dir})
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Add(ctx, testOp(1, time.Now())); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := NewStore(Config{Path: dir})
	if err := s2.Open(ctx); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	if n, _ := s2.Count(ctx); n != 1 {
		t.Errorf("Count() after reopen = %d, want 1", n)
	}
}

func TestMigrateFromV1BackfillsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Lay down a v1 keyspace by hand: operations only, no idem/ index.
	s := NewStore(Config{Path: dir})
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	op := testOp(1, time.Now())
	if err := s.Add(ctx, op); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.db.DropPrefix([]byte(prefixIdem)); err != nil {
		t.Fatalf("drop idem index: %v", err)
	}
	if err := s.writeSchemaVersion(1); err != nil {
		t.Fatalf("write v1 marker: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopen: migration should rebuild the index without losing data.
	s2 := NewStore(Config{Path: dir})
	if err := s2.Open(ctx); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	if s2.Degraded() {
		t.Error("store degraded after v1->v2 migration, want indexed")
	}
	found, err := s2.FindByKey(ctx, op.IdempotencyKey)
	if err != nil {
		t.Fatalf("FindByKey() after migration error = %v", err)
	}
	if found.ID != op.ID {
		t.Errorf("FindByKey().ID = %s, want %s", found.ID, op.ID)
	}
	if err := s2.Add(ctx, testOp(9, time.Now())); err != nil {
		t.Errorf("Add() after migration error = %v", err)
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Add(ctx, testOp(i, time.Now().Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count() after Clear = %d, want 0", n)
	}
	// Keys freed by Clear are usable again.
	if err := s.Add(ctx, testOp(0, time.Now())); err != nil {
		t.Errorf("Add() after Clear error = %v", err)
	}
}

func TestOpenUnusablePathReportsUnavailable(t *testing.T) {
	s := NewStore(Config{Path: "/dev/null/not-a-dir"})
	err := s.Open(context.Background())
	if err == nil {
		t.Fatal("Open() on unusable path succeeded, want error")
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Open() error = %v, want wrapped ErrUnavailable", err)
	}
}
