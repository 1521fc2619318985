package models

import "time"

// Event kinds propagated to the peer service.
const (
	EventSessionCreated   = "sessionCreated"
	EventSessionRefreshed = "sessionRefreshed"
	EventSessionRevoked   = "sessionRevoked"
	EventUserDataChanged  = "userDataChanged"
)

// SyncEvent is one state change shipped to the peer service. Delivery is
// best-effort: primary operations never block on it.
type SyncEvent struct {
	Kind       string    `json:"kind"`
	AccountID  string    `json:"account_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuditEntry records a security-relevant event (lockout, replay detection,
// bulk revocation) in the durable audit trail.
type AuditEntry struct {
	ID        string
	AccountID string
	Event     string
	Detail    string
	CreatedAt time.Time
}
