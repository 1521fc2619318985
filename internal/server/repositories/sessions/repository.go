// Package sessions provides persistence for issued credential pairs. A
// session is the unit of revocation: tokens validate only while their
// session row is live.
package sessions

import (
	"context"
	"time"

	"sessiond/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	FindByAccessHash(ctx context.Context, accessHash string) (*models.Session, error)

	// FindByRefreshHashForUpdate locks the row so concurrent refresh attempts
	// on the same token serialize; exactly one observes a live session.
	FindByRefreshHashForUpdate(ctx context.Context, refreshHash string) (*models.Session, error)

	// Revoke marks a session terminal. Idempotent: revoking an already
	// revoked session reports revoked=false and leaves the row unchanged.
	Revoke(ctx context.Context, id, reason string, now time.Time) (bool, error)

	// MarkReplaced revokes the old session with reason "refreshed" and
	// records the successor's ID. Runs inside the refresh transaction.
	MarkReplaced(ctx context.Context, id, successorID string, now time.Time) error

	RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error)
	TouchLastUsed(ctx context.Context, id string, now time.Time) error
	ListForAccount(ctx context.Context, accountID string) ([]*models.Session, error)

	// SweepExpired revokes, in one batched update, up to batchSize sessions
	// whose expiry passed before cutoff. Grace-period batching keeps
	// transaction duration bounded under load.
	SweepExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
