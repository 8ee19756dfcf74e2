// Package upstream talks to the remote backend: a cancellable,
// timeout-capable call primitive, the error classifier that decides
// retry eligibility, and the retry/backoff executor. Both live calls
// and queue replays go through the same primitive.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
)

// Response is the upstream's answer to a replayed operation.
type Response struct {
	Status int
	Body   []byte
}

// Client sends one operation upstream. Implementations must observe
// ctx cancellation and attach the operation's idempotency key so the
// remote side can discard duplicate submissions.
type Client interface {
	Do(ctx context.Context, op *domain.Operation) (*Response, error)
}

// StatusError is returned for non-2xx upstream answers. RetryAfter
// carries the server's Retry-After hint when present.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}
