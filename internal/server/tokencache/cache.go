// Package tokencache provides a process-local cache of recent token
// validations. It accelerates hot-token checks but is never the source of
// truth: every revocation path must invalidate the owning account's entries
// before returning, so a same-process caller can never observe a cache hit
// for a just-revoked session. Cross-process staleness is bounded by the entry
// TTL (default 5 minutes), a documented trade-off.
package tokencache

import (
	"sync"
	"time"
)

// Validation is the cached outcome of a successful token validation.
type Validation struct {
	AccountID string
	SessionID string
	TokenType string
	ExpiresAt time.Time
}

// Cache is safe for concurrent use. Entries are keyed by token hash and
// indexed by account so per-account invalidation does not scan the map.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]entry
	byAccount map[string]map[string]struct{}
	ttl       time.Duration
	now       func() time.Time
}

type entry struct {
	validation Validation
	expiresAt  time.Time
}

// New constructs a Cache whose entries live for at most ttl.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries:   make(map[string]entry),
		byAccount: make(map[string]map[string]struct{}),
		ttl:       ttl,
		now:       time.Now,
	}
}

// SetNowFunc overrides the cache's time source. Intended for tests; call it
// before the cache is shared with other goroutines.
func (c *Cache) SetNowFunc(now func() time.Time) {
	c.now = now
}

// Get returns the cached validation for tokenHash, or ok=false on a miss or
// an expired entry.
func (c *Cache) Get(tokenHash string) (Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tokenHash]
	if !ok {
		return Validation{}, false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(tokenHash, e.validation.AccountID)
		return Validation{}, false
	}
	return e.validation, true
}

// Put stores a validation. The entry expires at min(now+ttl, token expiry):
// the cache may never outlive the credential it vouches for.
func (c *Cache) Put(tokenHash string, v Validation) {
	expiresAt := c.now().Add(c.ttl)
	if v.ExpiresAt.Before(expiresAt) {
		expiresAt = v.ExpiresAt
	}
	if !c.now().Before(expiresAt) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[tokenHash] = entry{validation: v, expiresAt: expiresAt}
	idx, ok := c.byAccount[v.AccountID]
	if !ok {
		idx = make(map[string]struct{})
		c.byAccount[v.AccountID] = idx
	}
	idx[tokenHash] = struct{}{}
}

// InvalidateAccount drops every cached entry belonging to accountID. Called
// synchronously on every revocation path.
func (c *Cache) InvalidateAccount(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tokenHash := range c.byAccount[accountID] {
		delete(c.entries, tokenHash)
	}
	delete(c.byAccount, accountID)
}

// SweepExpired removes entries whose TTL has passed and returns how many were
// dropped. Runs on a fixed interval alongside live traffic.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for tokenHash, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(tokenHash, e.validation.AccountID)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries. Intended for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(tokenHash, accountID string) {
	delete(c.entries, tokenHash)
	if idx, ok := c.byAccount[accountID]; ok {
		delete(idx, tokenHash)
		if len(idx) == 0 {
			delete(c.byAccount, accountID)
		}
	}
}
