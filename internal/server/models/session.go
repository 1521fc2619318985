package models

import "time"

// Session revocation reasons recorded when a session reaches a terminal
// state. A revoked session is never un-revoked.
const (
	RevokeReasonLogout          = "logout"
	RevokeReasonRefreshed       = "refreshed"
	RevokeReasonExpired         = "expired"
	RevokeReasonUserRequest     = "user_request"
	RevokeReasonSecurityEvent   = "security_event"
	RevokeReasonPeerRevocation  = "peer_revocation"
	RevokeReasonPasswordChanged = "password_changed"
)

// Session is one issued credential pair. Tokens are persisted as SHA-256
// hashes only; the plaintext exists solely in the response that issued it.
// RefreshTokenHash is nil for sessions issued without a refresh credential
// (e.g., service-minted short-lived sessions).
type Session struct {
	ID               string
	AccountID        string
	AccessTokenHash  string
	RefreshTokenHash *string
	AccessExpiresAt  time.Time
	RefreshExpiresAt *time.Time
	Revoked          bool
	RevokedReason    *string
	RevokedAt        *time.Time
	ReplacedBy       *string
	DeviceName       string
	DeviceIP         string
	UserAgent        string
	LastUsedAt       time.Time
	CreatedAt        time.Time
}

// DeviceInfo captures the client metadata recorded on every issued session.
type DeviceInfo struct {
	Name      string
	IP        string
	UserAgent string
}

// IssuedTokens bundles the plaintext credentials returned to the caller at
// issue time, alongside the persisted session row.
type IssuedTokens struct {
	Session      *Session
	AccessToken  string
	RefreshToken string
}
