// Package postgres implements the durable OperationStore on
// PostgreSQL. It suits deployments where several relay agents share one
// database; the embedded badger backend remains the default.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vietddude/outpost/internal/infra/storage"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

func open(ctx context.Context, cfg Config, log *slog.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		db, err = connect(ctx, cfg)
		if err == nil {
			return db, nil
		}
		log.Warn("connect failed", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
