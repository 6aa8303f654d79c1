// Package dedupe claims idempotency keys for a bounded TTL so the queue
// adapter can suppress duplicate enqueues. Suppression is a
// strong-consistency optimisation, not a correctness requirement —
// correctness comes from the plan store's idempotent writes — so the shared
// backend fails open when its store is unreachable.
package dedupe

import (
	"context"
	"time"
)

// Claimer is the dedupe service contract.
type Claimer interface {
	// Claim atomically claims key for ttl. Returns false when the key is
	// already held. Fail-open: an unreachable backing store returns true.
	Claim(ctx context.Context, key string, ttl time.Duration) bool

	// Release drops the claim early. Best-effort.
	Release(ctx context.Context, key string)

	// IsClaimed reports whether key currently holds an unexpired claim.
	IsClaimed(ctx context.Context, key string) bool

	Close() error
}
