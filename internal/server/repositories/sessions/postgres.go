package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/common"
	"sessiond/internal/dbx"
	"sessiond/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, account_id, access_token_hash, refresh_token_hash,
		access_expires_at, refresh_expires_at, revoked, revoked_reason, revoked_at,
		replaced_by, device_name, device_ip, user_agent, last_used_at, created_at`

func (r *PostgresRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	session.ID = id.String()

	query := `
		INSERT INTO sessions (id, account_id, access_token_hash, refresh_token_hash,
			access_expires_at, refresh_expires_at, device_name, device_ip, user_agent, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		session.ID, session.AccountID, session.AccessTokenHash, session.RefreshTokenHash,
		session.AccessExpiresAt.UTC(), nullableTime(session.RefreshExpiresAt),
		session.DeviceName, session.DeviceIP, session.UserAgent, session.LastUsedAt.UTC()).
		Scan(&session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return session, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) FindByAccessHash(ctx context.Context, accessHash string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE access_token_hash = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, accessHash))
}

func (r *PostgresRepository) FindByRefreshHashForUpdate(ctx context.Context, refreshHash string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_hash = $1 FOR UPDATE`
	return r.scanOne(r.db.QueryRowContext(ctx, query, refreshHash))
}

func (r *PostgresRepository) Revoke(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, id, reason, now.UTC())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *PostgresRepository) MarkReplaced(ctx context.Context, id, successorID string, now time.Time) error {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3, replaced_by = $4
		WHERE id = $1 AND revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, id, models.RevokeReasonRefreshed, now.UTC(), successorID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE account_id = $1 AND revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, accountID, reason, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (r *PostgresRepository) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE sessions SET last_used_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, now.UTC()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListForAccount(ctx context.Context, accountID string) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE account_id = $1 AND revoked = FALSE
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		session, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

// SweepExpired picks a bounded batch of overdue live sessions and revokes
// them in a single UPDATE, so the sweep never holds a long transaction.
func (r *PostgresRepository) SweepExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	query := `
		WITH overdue AS (
			SELECT id
			FROM sessions
			WHERE revoked = FALSE
			  AND COALESCE(refresh_expires_at, access_expires_at) < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		UPDATE sessions s
		SET revoked = TRUE, revoked_reason = $3, revoked_at = NOW()
		FROM overdue
		WHERE s.id = overdue.id
	`
	res, err := r.db.ExecContext(ctx, query, cutoff.UTC(), batchSize, models.RevokeReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.Session, error) {
	session, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *PostgresRepository) scanRow(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var refreshHash, revokedReason, replacedBy sql.NullString
	var refreshExpires, revokedAt sql.NullTime

	err := row.Scan(&session.ID, &session.AccountID, &session.AccessTokenHash, &refreshHash,
		&session.AccessExpiresAt, &refreshExpires, &session.Revoked, &revokedReason, &revokedAt,
		&replacedBy, &session.DeviceName, &session.DeviceIP, &session.UserAgent,
		&session.LastUsedAt, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if refreshHash.Valid {
		session.RefreshTokenHash = &refreshHash.String
	}
	if refreshExpires.Valid {
		value := refreshExpires.Time.UTC()
		session.RefreshExpiresAt = &value
	}
	if revokedReason.Valid {
		session.RevokedReason = &revokedReason.String
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		session.RevokedAt = &value
	}
	if replacedBy.Valid {
		session.ReplacedBy = &replacedBy.String
	}

	return session, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
