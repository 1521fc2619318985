// Package common defines shared constants, sentinel errors, and small
// utilities used across the session authority. Callers should use errors.Is
// and errors.As to match these values.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Authentication errors: missing, malformed, expired, or revoked
	// credentials. Handlers map these to 401.
	ErrAuthentication = errors.New("authentication failed")

	// Authorization errors: a valid caller lacking the right scope, or a bad
	// service key on a peer endpoint. Handlers map these to 403.
	ErrAuthorization = errors.New("authorization failed")

	// ErrReplay marks reuse of an already-consumed refresh token. Kept
	// distinct from ErrAuthentication so callers can treat it as a theft
	// signal rather than ordinary expiry.
	ErrReplay = errors.New("refresh token reused")

	// ErrDependencyUnavailable is returned when the peer service cannot be
	// reached: circuit open or retries exhausted.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// AccountLockedError rejects all password checks until Until passes.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// RateLimitError carries the time the caller must wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}
