package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/infra/storage"
)

const (
	pqUniqueViolation = "23505"
	idemIndexName     = "outpost_operations_idem_key"
)

type Store struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	db       *sqlx.DB
	degraded bool // unique idem index missing, duplicate check queries first
}

func NewStore(cfg Config) *Store {
	return &Store{
		cfg: cfg,
		log: slog.With("component", "postgres-store"),
	}
}

// operationRow maps the outpost_operations table.
type operationRow struct {
	ID             string    `db:"id"`
	Target         string    `db:"target"`
	Verb           string    `db:"verb"`
	Payload        []byte    `db:"payload"`
	Headers        string    `db:"headers"` // jsonb; lib/pq maps []byte to bytea, so keep it a string
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

func toRow(op *domain.Operation) (*operationRow, error) {
	headers := op.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	hdr, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return &operationRow{
		ID:             op.ID,
		Target:         op.Target,
		Verb:           string(op.Verb),
		Payload:        op.Payload,
		Headers:        string(hdr),
		IdempotencyKey: op.IdempotencyKey,
		CreatedAt:      op.CreatedAt,
	}, nil
}

func (r *operationRow) toDomain() (*domain.Operation, error) {
	op := &domain.Operation{
		ID:             r.ID,
		Target:         r.Target,
		Verb:           domain.Verb(r.Verb),
		Payload:        r.Payload,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &op.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return op, nil
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := open(ctx, s.cfg, s.log)
	if err != nil {
		return err
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		return fmt.Errorf("%w: migrate: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) handle() (*sqlx.DB, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, false, storage.ErrUnavailable
	}
	return s.db, s.degraded, nil
}

func (s *Store) Add(ctx context.Context, op *domain.Operation) error {
	db, degraded, err := s.handle()
	if err != nil {
		return err
	}

	row, err := toRow(op)
	if err != nil {
		return err
	}

	if degraded {
		// No unique index to rely on; check first. The queue manager
		// serializes writers, so the window here is acceptable.
		var exists bool
		err := db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM outpost_operations WHERE idempotency_key = $1)`,
			op.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	_, err = db.NamedExecContext(ctx, `
		INSERT INTO outpost_operations (id, target, verb, payload, headers, idempotency_key, created_at)
		VALUES (:id, :target, :verb, :payload, :headers, :idempotency_key, :created_at)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			if pqErr.Constraint == idemIndexName {
				return storage.ErrDuplicateKey
			}
			return storage.ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Operation, error) {
	db, _, err := s.handle()
	if err != nil {
		return nil, err
	}

	var row operationRow
	err = db.GetContext(ctx, &row,
		`SELECT id, target, verb, payload, headers, idempotency_key, created_at
		 FROM outpost_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) FindByKey(ctx context.Context, key string) (*domain.Operation, error) {
	db, _, err := s.handle()
	if err != nil {
		return nil, err
	}

	var row operationRow
	err = db.GetContext(ctx, &row,
		`SELECT id, target, verb, payload, headers, idempotency_key, created_at
		 FROM outpost_operations WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) List(ctx context.Context) ([]*domain.Operation, error) {
	db, _, err := s.handle()
	if err != nil {
		return nil, err
	}

	var rows []operationRow
	err = db.SelectContext(ctx, &rows,
		`SELECT id, target, verb, payload, headers, idempotency_key, created_at
		 FROM outpost_operations ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}

	ops := make([]*domain.Operation, 0, len(rows))
	for i := range rows {
		op, err := rows[i].toDomain()
		if err != nil {
			s.log.Warn("skipping undecodable operation", "id", rows[i].ID, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	db, _, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM outpost_operations WHERE id = $1`, id)
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	db, _, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM outpost_operations`)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	db, _, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outpost_operations`)
	return n, err
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

// Degraded reports whether the unique idempotency index is missing.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}
