package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/outpost/internal/connectivity"
	"github.com/vietddude/outpost/internal/core/config"
	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/core/keygen"
	"github.com/vietddude/outpost/internal/infra/storage"
	badgerstore "github.com/vietddude/outpost/internal/infra/storage/badger"
	"github.com/vietddude/outpost/internal/infra/storage/memory"
	"github.com/vietddude/outpost/internal/infra/storage/postgres"
	redisstore "github.com/vietddude/outpost/internal/infra/storage/redis"
	"github.com/vietddude/outpost/internal/queue"
	"github.com/vietddude/outpost/internal/upstream"
)

// Relay wires the offline queue, retry engine and connectivity monitor
// into one unit: callers submit operations, the relay decides whether
// to send them now or park them for the next recovery flush.
type Relay struct {
	log       *slog.Logger
	queue     *queue.Manager
	client    *upstream.HTTPClient
	exec      *upstream.Executor
	monitor   *connectivity.Monitor
	server    *Server
	retryOpts upstream.Options

	runCtx context.Context
	cancel context.CancelFunc
}

// NewRelay creates a relay with all dependencies initialized.
func NewRelay(cfg *config.AppConfig) (*Relay, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	client := upstream.NewHTTPClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	exec := upstream.NewExecutor(client)
	monitor := connectivity.NewMonitor(
		connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL),
		connectivity.Config{
			Interval:          cfg.Connectivity.Interval,
			ProbeTimeout:      cfg.Connectivity.ProbeTimeout,
			DegradedThreshold: cfg.Connectivity.DegradedThreshold,
		},
	)

	r := &Relay{
		log:     slog.With("component", "relay"),
		queue:   queue.NewManager(store, queue.Config{MaxItems: cfg.Queue.MaxItems, MaxDeadLetters: cfg.Queue.MaxDeadLetters}),
		client:  client,
		exec:    exec,
		monitor: monitor,
		retryOpts: upstream.Options{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			PerAttemptTimeout: cfg.Retry.PerAttemptTimeout,
			BaseDelay:         cfg.Retry.BaseDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
		},
	}

	exec.OnOutcome = monitor.ReportOutcome
	monitor.OnRecovered = r.flushAsync
	r.server = NewServer(r, cfg.Server.Port)
	return r, nil
}

func openStore(cfg config.StorageConfig) (storage.OperationStore, error) {
	switch cfg.Driver {
	case "", "badger":
		return badgerstore.NewStore(cfg.Badger), nil
	case "postgres":
		return postgres.NewStore(cfg.Database), nil
	case "redis":
		return redisstore.NewStore(cfg.Redis), nil
	case "memory":
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Start opens the queue and launches the probe loop and admin server.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.queue.Open(ctx); err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	r.runCtx, r.cancel = context.WithCancel(context.Background())
	r.monitor.Start(r.runCtx)

	go func() {
		if err := r.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("admin server failed", "error", err)
		}
	}()

	r.log.Info("relay started", "upstream", r.client.BaseURL(), "queued", r.queue.Size())
	return nil
}

// Stop shuts everything down: probe loop first so no new flush fires,
// then in-flight retries, then the admin server and the store.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("stopping relay")

	r.monitor.Stop()
	r.exec.AbortAll()
	r.cancel()

	err := r.server.Stop(ctx)
	if cerr := r.queue.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Result reports how a submitted operation was handled: applied
// upstream immediately, or queued for the next recovery flush.
type Result struct {
	Queued   bool               `json:"queued"`
	Op       *domain.Operation  `json:"operation"`
	Response *upstream.Response `json:"response,omitempty"`
}

// Submit accepts a mutating operation. Online, it goes straight
// through the retry engine; offline, or when a transient failure
// exhausts its attempts, it is queued instead so the caller gets a
// "queued, will sync" acknowledgment rather than an error.
func (r *Relay) Submit(ctx context.Context, verb domain.Verb, target string, payload []byte, headers map[string]string) (*Result, error) {
	if !r.monitor.Online() {
		op, err := r.queue.Enqueue(ctx, verb, target, payload, headers)
		if err != nil {
			return nil, err
		}
		return &Result{Queued: true, Op: op}, nil
	}

	op := buildOperation(verb, target, payload, headers)
	resp, err := r.exec.Execute(ctx, op, r.retryOpts)
	if err == nil {
		return &Result{Op: op, Response: resp}, nil
	}
	if !upstream.Classify(err).Retryable {
		return nil, err
	}

	// Transient failure despite the online verdict. Park it under the
	// same idempotency key so a partially-received earlier attempt is
	// deduplicated server-side on replay.
	queued, qerr := r.queue.Enqueue(ctx, verb, target, payload, withKey(headers, op.IdempotencyKey))
	if qerr != nil {
		return nil, fmt.Errorf("upstream failed and enqueue failed: %w", errors.Join(err, qerr))
	}
	r.log.Warn("operation queued after transient failure", "id", queued.ID, "target", target, "error", err)
	return &Result{Queued: true, Op: queued}, nil
}

// Flush replays the queue through the retry engine in FIFO order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	return r.queue.Flush(ctx, r.apply)
}

// apply sends one queued operation upstream. A non-retryable verdict
// marks it terminal so the queue dead-letters it instead of retrying a
// 4xx forever; aborts and retryable failures keep it queued.
func (r *Relay) apply(ctx context.Context, op *domain.Operation) error {
	_, err := r.exec.Execute(ctx, op, r.retryOpts)
	if err == nil {
		return nil
	}

	var aborted *upstream.AbortedError
	if errors.As(err, &aborted) {
		return err
	}
	if !upstream.Classify(err).Retryable {
		return fmt.Errorf("%w: %v", domain.ErrTerminal, err)
	}
	return err
}

func (r *Relay) flushAsync() {
	go func() {
		n, err := r.Flush(r.runCtx)
		switch {
		case errors.Is(err, domain.ErrFlushInProgress):
			// A flush is already draining the queue.
		case err != nil:
			r.log.Warn("recovery flush stopped early", "applied", n, "error", err)
		case n > 0:
			r.log.Info("recovery flush complete", "applied", n)
		}
	}()
}

// RetryNow forces an immediate connectivity probe; a successful probe
// triggers a flush.
func (r *Relay) RetryNow() { r.monitor.RetryNow() }

// AbortRetries cancels every in-flight retry loop.
func (r *Relay) AbortRetries() { r.exec.AbortAll() }

// Queue exposes the queue's read surface and change subscription.
func (r *Relay) Queue() *queue.Manager { return r.queue }

// Connectivity returns the current connectivity snapshot.
func (r *Relay) Connectivity() domain.ConnectivityState { return r.monitor.State() }

func buildOperation(verb domain.Verb, target string, payload []byte, headers map[string]string) *domain.Operation {
	key := headers[domain.IdempotencyHeader]
	if key == "" {
		key = keygen.New()
	}
	return &domain.Operation{
		ID:             keygen.New(),
		Verb:           verb,
		Target:         target,
		Payload:        payload,
		Headers:        headers,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	}
}

func withKey(headers map[string]string, key string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[domain.IdempotencyHeader] = key
	return out
}
