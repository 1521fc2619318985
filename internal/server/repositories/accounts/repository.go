// Package accounts provides persistence for identity records, including the
// failed-login counter and time-bounded lockout state.
package accounts

import (
	"context"
	"time"

	"sessiond/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)

	// RegisterFailedLogin atomically bumps the failed-login counter and, when
	// the counter reaches threshold, sets locked_until = now+lockDuration and
	// resets the counter. It returns the lockout deadline when one was set.
	RegisterFailedLogin(ctx context.Context, accountID string, threshold int, lockDuration time.Duration, now time.Time) (*time.Time, error)

	// ResetFailedLogins clears the counter and any expired lockout.
	ResetFailedLogins(ctx context.Context, accountID string) error

	// UpdatePassword stores a new password hash and records the change time,
	// which downstream consumers use to invalidate derived credentials.
	UpdatePassword(ctx context.Context, accountID, passwordHash string, now time.Time) error
}
