package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/metrics"
)

// Options bounds one Execute call.
type Options struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

// DefaultOptions provides sensible defaults.
var DefaultOptions = Options{
	MaxAttempts:       3,
	PerAttemptTimeout: 10 * time.Second,
	BaseDelay:         500 * time.Millisecond,
	MaxDelay:          30 * time.Second,
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if o.PerAttemptTimeout <= 0 {
		o.PerAttemptTimeout = DefaultOptions.PerAttemptTimeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultOptions.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultOptions.MaxDelay
	}
	return o
}

// ExhaustedError is the terminal failure after the attempt budget is
// spent on retryable errors.
type ExhaustedError struct {
	Attempts int
	Last     Classification
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts (%s): %v", e.Attempts, e.Last.Kind, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// AbortedError is returned when a call is stopped by cancellation,
// either through its context or AbortAll.
type AbortedError struct {
	Attempts int
	Cause    error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("aborted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *AbortedError) Unwrap() error { return e.Cause }

// kindBackoffFactor scales the exponential curve per failure kind:
// an unreachable network is probed again sooner than a server that
// answered 5xx.
var kindBackoffFactor = map[Kind]float64{
	KindNetworkUnavailable: 0.5,
	KindTimeout:            1.0,
	KindServerError:        1.0,
	KindUnknown:            1.0,
}

// Executor runs upstream calls through an attempt/classify/delay loop.
// Safe for concurrent use; every in-flight call observes AbortAll.
type Executor struct {
	client Client
	log    *slog.Logger

	// OnOutcome, when set, receives the final error (nil on success)
	// of every call. The connectivity monitor uses it to fold call
	// results into its state.
	OnOutcome func(err error)

	mu     sync.Mutex
	stopCh chan struct{}
}

func NewExecutor(client Client) *Executor {
	return &Executor{
		client: client,
		log:    slog.With("component", "retry"),
		stopCh: make(chan struct{}),
	}
}

// AbortAll cancels the backoff wait and the running attempt of every
// in-flight Execute call. Calls started afterwards run normally.
func (e *Executor) AbortAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.stopCh)
	e.stopCh = make(chan struct{})
}

func (e *Executor) stop() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCh
}

// Execute sends op upstream, retrying retryable failures with
// exponential backoff and jitter. The inter-attempt wait resolves
// immediately on cancellation. Non-retryable classifications return
// without consuming further attempts; exhaustion returns
// *ExhaustedError carrying the attempt count and last cause.
func (e *Executor) Execute(ctx context.Context, op *domain.Operation, opts Options) (*Response, error) {
	opts = opts.withDefaults()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := e.stop()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-execCtx.Done():
		}
	}()

	var lastErr error
	var lastClass Classification

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		resp, err := e.attempt(execCtx, op, opts.PerAttemptTimeout)
		if err == nil {
			e.report(nil)
			return resp, nil
		}
		lastErr = err

		// A cancelled parent overrides whatever the transport said.
		if execCtx.Err() != nil {
			e.report(err)
			return nil, &AbortedError{Attempts: attempt, Cause: execCtx.Err()}
		}

		lastClass = Classify(err)
		metrics.RetryAttempts.WithLabelValues(string(lastClass.Kind)).Inc()

		if !lastClass.Retryable {
			e.report(err)
			return nil, err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := backoffDelay(opts, attempt, lastClass)
		e.log.Debug("attempt failed, backing off",
			"operation", op.ID, "attempt", attempt, "kind", lastClass.Kind, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-execCtx.Done():
			timer.Stop()
			e.report(lastErr)
			return nil, &AbortedError{Attempts: attempt, Cause: execCtx.Err()}
		case <-timer.C:
		}
	}

	e.report(lastErr)
	return nil, &ExhaustedError{Attempts: opts.MaxAttempts, Last: lastClass, Cause: lastErr}
}

// attempt runs one bounded call. A timeout here classifies as Timeout
// on the next loop iteration.
func (e *Executor) attempt(ctx context.Context, op *domain.Operation, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.client.Do(attemptCtx, op)
}

func (e *Executor) report(err error) {
	if e.OnOutcome != nil {
		e.OnOutcome(err)
	}
}

// backoffDelay computes min(base × 2^(attempt−1) × kindFactor + jitter,
// max), then lets an explicit server hint (Retry-After, RetryInfo)
// raise it.
func backoffDelay(opts Options, attempt int, class Classification) time.Duration {
	factor, ok := kindBackoffFactor[class.Kind]
	if !ok {
		factor = 1.0
	}

	delay := float64(opts.BaseDelay) * factor
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > float64(opts.MaxDelay) {
		delay = float64(opts.MaxDelay)
	}

	jitter := time.Duration(rand.Int64N(int64(opts.BaseDelay)))
	d := time.Duration(delay) + jitter

	if class.SuggestedDelay > d {
		d = class.SuggestedDelay
	}
	return d
}
