// Package redis implements the durable OperationStore on Redis. It
// fits deployments that already run Redis and want queue state to
// outlive the agent without an embedded data directory.
//
// Layout: a sorted set scored by CreatedAt nanos keeps replay order, a
// hash maps idempotency keys to operation ids, and each operation is a
// JSON value under its own key.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/infra/storage"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

const (
	queueKey = "outpost:queue"
	idemKey  = "outpost:idem"
)

func opKey(id string) string {
	return fmt.Sprintf("outpost:op:%s", id)
}

type Store struct {
	cfg Config
	log *slog.Logger

	mu  sync.RWMutex
	rdb *redis.Client
}

func NewStore(cfg Config) *Store {
	return &Store{
		cfg: cfg,
		log: slog.With("component", "redis-store"),
	}
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts, err := redis.ParseURL(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: parse redis URL: %v", storage.ErrUnavailable, err)
	}
	if s.cfg.Password != "" {
		opts.Password = s.cfg.Password
	}
	rdb := redis.NewClient(opts)

	for attempt := 0; attempt < 2; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			s.rdb = rdb
			return nil
		}
		s.log.Warn("ping failed", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	_ = rdb.Close()
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func (s *Store) handle() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rdb == nil {
		return nil, storage.ErrUnavailable
	}
	return s.rdb, nil
}

func (s *Store) Add(ctx context.Context, op *domain.Operation) error {
	rdb, err := s.handle()
	if err != nil {
		return err
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	exists, err := rdb.Exists(ctx, opKey(op.ID)).Result()
	if err != nil {
		return fmt.Errorf("exists failed: %w", err)
	}
	if exists > 0 {
		return storage.ErrDuplicateID
	}

	// HSetNX is the duplicate gate: it claims the idempotency key
	// atomically, so two writers racing on the same key cannot both
	// enqueue.
	claimed, err := rdb.HSetNX(ctx, idemKey, op.IdempotencyKey, op.ID).Result()
	if err != nil {
		return fmt.Errorf("hsetnx failed: %w", err)
	}
	if !claimed {
		return storage.ErrDuplicateKey
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, opKey(op.ID), data, 0)
		pipe.ZAdd(ctx, queueKey, redis.Z{
			Score:  float64(op.CreatedAt.UnixNano()),
			Member: op.ID,
		})
		return nil
	})
	if err != nil {
		// Roll the claim back so the key is not leaked.
		_ = rdb.HDel(ctx, idemKey, op.IdempotencyKey).Err()
		return fmt.Errorf("pipeline failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Operation, error) {
	rdb, err := s.handle()
	if err != nil {
		return nil, err
	}

	data, err := rdb.Get(ctx, opKey(id)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	var op domain.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	return &op, nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (*domain.Operation, error) {
	rdb, err := s.handle()
	if err != nil {
		return nil, err
	}

	id, err := rdb.HGet(ctx, idemKey, key).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget failed: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]*domain.Operation, error) {
	rdb, err := s.handle()
	if err != nil {
		return nil, err
	}

	ids, err := rdb.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	ops := make([]*domain.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := s.Get(ctx, id)
		if err == storage.ErrNotFound {
			continue // dangling queue member
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	// The sorted set keeps order; a stable client-side sort covers
	// members written by older layouts with equal scores.
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	rdb, err := s.handle()
	if err != nil {
		return err
	}

	op, err := s.Get(ctx, id)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, opKey(id))
		pipe.ZRem(ctx, queueKey, id)
		pipe.HDel(ctx, idemKey, op.IdempotencyKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	rdb, err := s.handle()
	if err != nil {
		return err
	}

	ids, err := rdb.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange failed: %w", err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, opKey(id))
		}
		pipe.Del(ctx, queueKey)
		pipe.Del(ctx, idemKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	rdb, err := s.handle()
	if err != nil {
		return 0, err
	}
	n, err := rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Close()
	s.rdb = nil
	return err
}
