// Package audit provides the durable security audit trail: lockouts, replay
// detections, and bulk revocations.
package audit

import (
	"context"

	"sessiond/internal/server/models"
)

type Repository interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
	ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.AuditEntry, error)
}
