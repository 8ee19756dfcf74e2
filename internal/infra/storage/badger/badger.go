// Package badger implements the durable OperationStore on an embedded
// BadgerDB keyspace. It is the default backend: no external services,
// survives restarts, and degrades to unavailable (not fatal) when the
// data directory cannot be used.
//
// Keyspace:
//
//	op/<id>          -> JSON-encoded operation
//	ord/<seq>/<id>   -> id  (seq = zero-padded CreatedAt nanos, gives
//	                   ordered iteration by insertion time)
//	idem/<key>       -> id  (idempotency key index, schema v2)
//	meta/schema      -> current schema version
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/infra/storage"
)

const (
	prefixOp    = "op/"
	prefixOrder = "ord/"
	prefixIdem  = "idem/"
	metaSchema  = "meta/schema"
)

// Config holds the badger backend configuration.
type Config struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
	InMemory   bool   `yaml:"in_memory"` // tests only
}

type Store struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	db       *badger.DB
	degraded bool // idem index missing, duplicate check scans
}

func NewStore(cfg Config) *Store {
	return &Store{
		cfg: cfg,
		log: slog.With("component", "badger-store"),
	}
}

// Open opens or creates the database and migrates the schema forward.
// It retries the open once before giving up with ErrUnavailable.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var db *badger.DB
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		db, err = badger.Open(s.options())
		if err == nil {
			break
		}
		s.log.Warn("open failed", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		// Migration already attempted a rebuild; at this point the
		// handle is unusable.
		_ = db.Close()
		s.db = nil
		return fmt.Errorf("%w: migrate: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) options() badger.Options {
	opts := badger.DefaultOptions(s.cfg.Path)
	opts.SyncWrites = s.cfg.SyncWrites
	opts.InMemory = s.cfg.InMemory
	if s.cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts.Logger = nil
	return opts
}

func opKey(id string) []byte  { return []byte(prefixOp + id) }
func idemKey(k string) []byte { return []byte(prefixIdem + k) }

func ordKey(op *domain.Operation) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixOrder, op.CreatedAt.UnixNano(), op.ID))
}

func (s *Store) Add(ctx context.Context, op *domain.Operation) error {
	s.mu.RLock()
	db, degraded := s.db, s.degraded
	s.mu.RUnlock()
	if db == nil {
		return storage.ErrUnavailable
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	return db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(opKey(op.ID)); err == nil {
			return storage.ErrDuplicateID
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if degraded {
			if err := scanForKey(txn, op.IdempotencyKey); err != nil {
				return err
			}
		} else {
			if _, err := txn.Get(idemKey(op.IdempotencyKey)); err == nil {
				return storage.ErrDuplicateKey
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(idemKey(op.IdempotencyKey), []byte(op.ID)); err != nil {
				return err
			}
		}

		if err := txn.Set(opKey(op.ID), data); err != nil {
			return err
		}
		return txn.Set(ordKey(op), []byte(op.ID))
	})
}

// scanForKey is the degraded duplicate check used when the idem index
// could not be built.
func scanForKey(txn *badger.Txn, key string) error {
	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(prefixOp)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var op domain.Operation
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		})
		if err != nil {
			continue
		}
		if op.IdempotencyKey == key {
			return storage.ErrDuplicateKey
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Operation, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, storage.ErrUnavailable
	}

	var op domain.Operation
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(id))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		})
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (*domain.Operation, error) {
	s.mu.RLock()
	db, degraded := s.db, s.degraded
	s.mu.RUnlock()
	if db == nil {
		return nil, storage.ErrUnavailable
	}

	if degraded {
		ops, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.IdempotencyKey == key {
				return op, nil
			}
		}
		return nil, storage.ErrNotFound
	}

	var id string
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idemKey(key))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// List returns every operation ordered by CreatedAt ascending using
// the ord/ index. If an index entry turns out dangling it is skipped;
// if the index is missing entirely (degraded mode) a full scan plus
// client-side sort is used instead.
func (s *Store) List(ctx context.Context) ([]*domain.Operation, error) {
	s.mu.RLock()
	db, degraded := s.db, s.degraded
	s.mu.RUnlock()
	if db == nil {
		return nil, storage.ErrUnavailable
	}

	if degraded {
		return s.listUnindexed(ctx, db)
	}

	var ops []*domain.Operation
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOrder)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				continue
			}

			item, err := txn.Get(opKey(id))
			if err != nil {
				continue // dangling index entry
			}
			var op domain.Operation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				s.log.Warn("skipping undecodable operation", "id", id, "error", err)
				continue
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *Store) listUnindexed(ctx context.Context, db *badger.DB) ([]*domain.Operation, error) {
	var ops []*domain.Operation
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOp)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var op domain.Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				continue
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return storage.ErrUnavailable
	}

	return db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var op domain.Operation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		}); err == nil {
			_ = txn.Delete(ordKey(&op))
			_ = txn.Delete(idemKey(op.IdempotencyKey))
		}
		return txn.Delete(opKey(id))
	})
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return storage.ErrUnavailable
	}

	return db.Update(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixOp, prefixOrder, prefixIdem} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				key := it.Item().KeyCopy(nil)
				if err := txn.Delete(key); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return 0, storage.ErrUnavailable
	}

	count := 0
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOp)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Degraded reports whether the idempotency index is missing and
// duplicate checks fall back to scans.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}
