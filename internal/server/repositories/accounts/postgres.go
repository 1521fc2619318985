package accounts

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

const accountColumns = `id, email, password_hash, verified, failed_logins, locked_until, password_changed_at, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate account id: %w", err)
	}
	account.ID = id.String()

	query := `
		INSERT INTO accounts (id, email, password_hash, verified)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		account.ID, account.Email, account.PasswordHash, account.Verified).
		Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, common.ErrAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, email))
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// RegisterFailedLogin is a single atomic UPDATE so concurrent failures cannot
// lose increments. On reaching the threshold the counter resets and the
// lockout deadline is set in the same statement.
func (r *PostgresRepository) RegisterFailedLogin(ctx context.Context, accountID string, threshold int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	query := `
		UPDATE accounts SET
			failed_logins = CASE WHEN failed_logins + 1 >= $2 THEN 0 ELSE failed_logins + 1 END,
			locked_until = CASE WHEN failed_logins + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = $4
		WHERE id = $1
		RETURNING locked_until
	`
	deadline := now.UTC().Add(lockDuration)

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, query, accountID, threshold, deadline, now.UTC()).Scan(&lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		value := lockedUntil.Time.UTC()
		return &value, nil
	}
	return nil, nil
}

func (r *PostgresRepository) ResetFailedLogins(ctx context.Context, accountID string) error {
	query := `
		UPDATE accounts
		SET failed_logins = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, accountID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, accountID, passwordHash string, now time.Time) error {
	query := `
		UPDATE accounts
		SET password_hash = $2, password_changed_at = $3, updated_at = $3
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, accountID, passwordHash, now.UTC()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.Account, error) {
	account := &models.Account{}
	var lockedUntil, passwordChangedAt sql.NullTime
	var passwordHash sql.NullString

	err := row.Scan(&account.ID, &account.Email, &passwordHash, &account.Verified,
		&account.FailedLogins, &lockedUntil, &passwordChangedAt,
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if passwordHash.Valid {
		account.PasswordHash = &passwordHash.String
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		account.LockedUntil = &value
	}
	if passwordChangedAt.Valid {
		value := passwordChangedAt.Time.UTC()
		account.PasswordChangedAt = &value
	}

	return account, nil
}

// isUniqueViolation matches Postgres error code 23505 without depending on
// the concrete driver error type.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
