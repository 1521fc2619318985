// Package models defines server-side data models persisted in the database
// plus the event shapes exchanged with the peer service.
package models

import "time"

// Account is one identity record. PasswordHash is nil for accounts that
// authenticate through an external identity provider; such accounts always
// fail local password checks.
type Account struct {
	ID                string
	Email             string
	PasswordHash      *string
	Verified          bool
	FailedLogins      int
	LockedUntil       *time.Time
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Locked reports whether the account rejects password checks at the given
// instant. Lockouts are time-bounded and self-clear.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}
