// Package ratelimit bounds request volume per client and endpoint using
// fixed-window counters in a shared store. The key is a hash of client IP
// and user agent, deliberately coarse so no PII is stored directly.
//
// Policy is fail-open: if the counter store is unreachable, requests pass
// and the event is logged — availability over enforcement.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"sessiond/internal/common"
	"sessiond/internal/logging"
	counters "sessiond/internal/server/repositories/ratelimit"
)

// Result describes an allowed request's remaining budget, surfaced to
// clients as X-RateLimit-* headers.
type Result struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter enforces a fixed-window limit per (endpoint, fingerprint) pair.
type Limiter struct {
	store  counters.CounterStore
	logger logging.Logger
	window time.Duration
	limit  int
	now    func() time.Time

	failOpenCount atomic.Int64
}

// NewLimiter constructs a Limiter over the shared counter store.
func NewLimiter(store counters.CounterStore, window time.Duration, limit int, logger logging.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 60
	}
	return &Limiter{
		store:  store,
		logger: logger.With("component", "ratelimit"),
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// Fingerprint derives the coarse client key from IP and user agent.
func Fingerprint(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(clientIP + "\n" + userAgent))
	return hex.EncodeToString(sum[:])
}

// Allow counts one request against (endpoint, fingerprint). Over the limit
// it returns a common.RateLimitError carrying the remaining window time.
// Store failures allow the request through.
func (l *Limiter) Allow(ctx context.Context, endpoint, fingerprint string) (Result, error) {
	now := l.now().UTC()
	windowStart := now.Truncate(l.window)
	reset := windowStart.Add(l.window)
	key := fmt.Sprintf("%s|%s", endpoint, fingerprint)

	hits, err := l.store.Increment(ctx, key, windowStart, l.window)
	if err != nil {
		l.failOpenCount.Add(1)
		l.logger.Error(ctx, "counter store unreachable, failing open", "endpoint", endpoint, "error", err.Error())
		return Result{Limit: l.limit, Remaining: l.limit, Reset: reset}, nil
	}

	if hits > l.limit {
		retryAfter := reset.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Result{}, &common.RateLimitError{RetryAfter: retryAfter}
	}

	return Result{Limit: l.limit, Remaining: l.limit - hits, Reset: reset}, nil
}

// SweepExpired removes counters whose window has passed.
func (l *Limiter) SweepExpired(ctx context.Context, batchSize int) (int64, error) {
	return l.store.DeleteExpired(ctx, l.now(), batchSize)
}

// FailOpenCount reports how many requests passed because the store was
// unreachable. Intended for tests and metrics.
func (l *Limiter) FailOpenCount() int64 {
	return l.failOpenCount.Load()
}
