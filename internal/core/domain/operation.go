package domain

import "time"

// Verb is the mutating HTTP method an operation carries upstream.
type Verb string

const (
	VerbPost   Verb = "POST"
	VerbPut    Verb = "PUT"
	VerbPatch  Verb = "PATCH"
	VerbDelete Verb = "DELETE"
)

// IdempotencyHeader carries the operation's idempotency key on every
// replayed request so the upstream can discard duplicate submissions.
const IdempotencyHeader = "Idempotency-Key"

// Operation is a queued mutating request awaiting replay upstream.
// It is immutable after creation: an operation leaves the queue only via
// successful replay, eviction, explicit removal or dead-lettering.
type Operation struct {
	ID             string            `json:"id"              db:"id"`
	Target         string            `json:"target"          db:"target"`
	Verb           Verb              `json:"verb"            db:"verb"`
	Payload        []byte            `json:"payload"         db:"payload"`
	Headers        map[string]string `json:"headers"         db:"-"`
	IdempotencyKey string            `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"      db:"created_at"`
}

// Clone returns a deep copy so snapshots handed to callers cannot
// mutate queue state.
func (o *Operation) Clone() *Operation {
	cp := *o
	if o.Payload != nil {
		cp.Payload = append([]byte(nil), o.Payload...)
	}
	if o.Headers != nil {
		cp.Headers = make(map[string]string, len(o.Headers))
		for k, v := range o.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// DeadOperation is an operation that failed replay with a terminal,
// non-retryable error and was parked off the live queue.
type DeadOperation struct {
	Operation *Operation `json:"operation"`
	Reason    string     `json:"reason"`
	FailedAt  time.Time  `json:"failed_at"`
}
