package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// migrate runs the goose migrations forward. On failure it performs a
// last-resort rebuild: keep whatever rows are still readable, drop the
// schema and recreate it, then reinsert the survivors. Startup never
// aborts on a migration failure; at worst the store comes up without
// the unique idempotency index and flags itself degraded.
func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		s.log.Error("migration failed, rebuilding schema", "error", err)
		if rebuildErr := s.rebuild(ctx); rebuildErr != nil {
			return fmt.Errorf("rebuild after failed migration: %w", rebuildErr)
		}
	}

	degraded, err := s.idemIndexMissing(ctx)
	if err != nil {
		return err
	}
	if degraded {
		s.log.Warn("unique idempotency index missing, duplicate checks query first")
	}
	s.degraded = degraded
	return nil
}

func (s *Store) idemIndexMissing(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)`, idemIndexName)
	if err != nil {
		return false, fmt.Errorf("check idempotency index: %w", err)
	}
	return !exists, nil
}

func (s *Store) rebuild(ctx context.Context) error {
	// Salvage readable rows. The table may not exist at all; that is
	// fine, there is simply nothing to keep.
	var survivors []operationRow
	if err := s.db.SelectContext(ctx, &survivors,
		`SELECT id, target, verb, payload, headers, idempotency_key, created_at
		 FROM outpost_operations`); err != nil {
		s.log.Warn("could not read existing operations, rebuilding empty", "error", err)
		survivors = nil
	}

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS outpost_operations`); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS goose_db_version`); err != nil {
		return fmt.Errorf("drop version table: %w", err)
	}

	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("recreate schema: %w", err)
	}

	kept := 0
	for i := range survivors {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO outpost_operations (id, target, verb, payload, headers, idempotency_key, created_at)
			VALUES (:id, :target, :verb, :payload, :headers, :idempotency_key, :created_at)
			ON CONFLICT DO NOTHING`, &survivors[i])
		if err != nil {
			s.log.Warn("dropping row during rebuild", "id", survivors[i].ID, "error", err)
			continue
		}
		kept++
	}

	s.log.Info("schema rebuilt", "kept", kept, "dropped", len(survivors)-kept)
	return nil
}
