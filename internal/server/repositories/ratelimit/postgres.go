package ratelimit

import (
	"context"
	"fmt"
	"time"

	"sessiond/internal/dbx"
)

// PostgresCounterStore implements CounterStore over dbx.DBTX.
type PostgresCounterStore struct {
	db dbx.DBTX
}

func NewPostgresCounterStore(db dbx.DBTX) *PostgresCounterStore {
	return &PostgresCounterStore{db: db}
}

func (s *PostgresCounterStore) Increment(ctx context.Context, key string, windowStart time.Time, ttl time.Duration) (int, error) {
	query := `
		INSERT INTO rate_counters (bucket_key, window_start, hits, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (bucket_key, window_start)
		DO UPDATE SET hits = rate_counters.hits + 1
		RETURNING hits
	`
	expiresAt := windowStart.UTC().Add(ttl)

	var hits int
	err := s.db.QueryRowContext(ctx, query, key, windowStart.UTC(), expiresAt).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("upsert rate counter: %w", err)
	}
	return hits, nil
}

func (s *PostgresCounterStore) DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	query := `
		WITH stale AS (
			SELECT bucket_key, window_start
			FROM rate_counters
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM rate_counters c
		USING stale
		WHERE c.bucket_key = stale.bucket_key AND c.window_start = stale.window_start
	`
	res, err := s.db.ExecContext(ctx, query, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate counters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}
