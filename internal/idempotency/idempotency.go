// Package idempotency provides a duplicate-delivery cache used as a fast
// path in front of the ledger's authoritative attribution table. A cache
// miss is never an error: the database unique key still catches replays.
package idempotency

import (
	"context"
	"time"
)

// Store remembers recently processed event keys.
type Store interface {
	// Seen reports whether the key was marked within its TTL.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records the key for ttl. A zero ttl keeps it until cleanup.
	Mark(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
