package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresIdempotencyStore keeps idempotency keys across restarts and across
// nodes sharing one database.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT PRIMARY KEY,
	status_code  INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	body         BYTEA NOT NULL,
	cached_at    TIMESTAMPTZ NOT NULL
)`

func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("create idempotency_keys: %w", err)
	}
	return nil
}

// Lookup returns the cached response for key if it is within the TTL.
func (s *PostgresIdempotencyStore) Lookup(ctx context.Context, key string) (*CachedResponse, bool, error) {
	var resp CachedResponse
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = $1 AND cached_at > $2`,
		key, s.now().Add(-s.ttl),
	).Scan(&resp.StatusCode, &resp.ContentType, &resp.Body, &resp.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &resp, true, nil
}

func (s *PostgresIdempotencyStore) Save(ctx context.Context, key string, resp CachedResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, content_type = $3, body = $4, cached_at = $5`,
		key, resp.StatusCode, resp.ContentType, resp.Body, resp.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// Cleanup removes keys older than the TTL and returns how many were removed.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
