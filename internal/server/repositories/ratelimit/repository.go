// Package ratelimit provides the shared counter store behind the
// fixed-window request limiter. Increments are a single atomic upsert so
// concurrent requests never lose updates; rows expire with their window.
package ratelimit

import (
	"context"
	"time"
)

type CounterStore interface {
	// Increment bumps the counter for (key, windowStart), creating it with
	// expires_at = windowStart+ttl on first use, and returns the new count.
	Increment(ctx context.Context, key string, windowStart time.Time, ttl time.Duration) (int, error)

	// DeleteExpired removes up to batchSize counters whose TTL has passed.
	DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
}
