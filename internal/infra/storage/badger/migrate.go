package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vietddude/outpost/internal/core/domain"
)

// schemaVersion is the current keyspace layout. v1 stored operations
// without the idem/ index; v2 added it so duplicate checks no longer
// scan the whole queue.
const schemaVersion = 2

// migrate moves the keyspace forward to schemaVersion. Migrations are
// idempotent: re-running them adds only missing index entries and never
// discards operations. If a migration fails, a last-resort rebuild
// recreates the keyspace, keeping every operation that could still be
// decoded. If even the index cannot be produced, the store stays usable
// in degraded (unindexed) mode.
func (s *Store) migrate(ctx context.Context) error {
	current, err := s.readSchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		// Data written by a newer build; serve it rather than abort,
		// but skip index assumptions we cannot verify.
		s.log.Warn("schema version from a newer build, running degraded", "found", current, "supported", schemaVersion)
		s.degraded = true
		return nil
	}

	s.log.Info("migrating schema", "from", current, "to", schemaVersion)

	if current < 2 {
		if err := s.buildIdemIndex(ctx); err != nil {
			s.log.Error("idempotency index migration failed, rebuilding keyspace", "error", err)
			if rebuildErr := s.rebuild(ctx); rebuildErr != nil {
				return fmt.Errorf("rebuild after failed migration: %w", rebuildErr)
			}
		}
	}

	return s.writeSchemaVersion(schemaVersion)
}

func (s *Store) readSchemaVersion() (int, error) {
	version := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaSchema))
		if err == badger.ErrKeyNotFound {
			return nil // fresh database, treated as v0 -> full create
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := strconv.Atoi(string(val))
			if err != nil {
				return fmt.Errorf("corrupt schema marker %q: %w", val, err)
			}
			version = v
			return nil
		})
	})
	return version, err
}

func (s *Store) writeSchemaVersion(v int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaSchema), []byte(strconv.Itoa(v)))
	})
}

// buildIdemIndex backfills idem/ entries for every stored operation.
// Safe to re-run: existing entries are left alone.
func (s *Store) buildIdemIndex(ctx context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
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
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}

			if _, err := txn.Get(idemKey(op.IdempotencyKey)); err == badger.ErrKeyNotFound {
				if err := txn.Set(idemKey(op.IdempotencyKey), []byte(op.ID)); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			if _, err := txn.Get(ordKey(&op)); err == badger.ErrKeyNotFound {
				if err := txn.Set(ordKey(&op), []byte(op.ID)); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		return nil
	})
}

// rebuild recreates the keyspace from whatever operations can still be
// decoded. Loss is limited to unreadable entries; startup never aborts
// on a migration failure.
func (s *Store) rebuild(ctx context.Context) error {
	var survivors []*domain.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOp)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var op domain.Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				s.log.Warn("dropping unreadable operation during rebuild", "key", string(it.Item().Key()), "error", err)
				continue
			}
			survivors = append(survivors, &op)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("drop keyspace: %w", err)
	}

	indexed := true
	for _, op := range survivors {
		data, err := json.Marshal(op)
		if err != nil {
			continue
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(opKey(op.ID), data); err != nil {
				return err
			}
			if err := txn.Set(ordKey(op), []byte(op.ID)); err != nil {
				return err
			}
			return txn.Set(idemKey(op.IdempotencyKey), []byte(op.ID))
		})
		if err != nil {
			s.log.Error("index write failed during rebuild, falling back to unindexed scans", "id", op.ID, "error", err)
			indexed = false
			// Keep the operation itself even if its index entry failed.
			_ = s.db.Update(func(txn *badger.Txn) error {
				return txn.Set(opKey(op.ID), data)
			})
		}
	}
	s.degraded = !indexed

	s.log.Info("keyspace rebuilt", "kept", len(survivors), "indexed", indexed)
	return nil
}
