// Package keygen produces idempotency keys for mutating operations.
package keygen

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
)

var degradedOnce sync.Once

// New returns a fresh 128-bit idempotency key. It never blocks and
// never fails: if the crypto/rand source errors, it falls back to a
// weaker pseudo-random key and logs the degradation once.
func New() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}

	degradedOnce.Do(func() {
		slog.Warn("crypto random source unavailable, using pseudo-random idempotency keys", "error", err)
	})

	var b [16]byte
	hi, lo := rand.Uint64(), rand.Uint64()
	for i := 0; i < 8; i++ {
		b[i] = byte(hi >> (8 * i))
		b[8+i] = byte(lo >> (8 * i))
	}
	// Keep the RFC 4122 version/variant bits so keys stay well-formed.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b).String()
}
