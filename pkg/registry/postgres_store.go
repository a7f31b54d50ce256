package registry

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/p2p-energy-trading/engine/pkg/signing"
)

// PostgresKeyStore persists subscriber keys so they survive restarts.
// The in-memory KeyRegistry stays the lookup path; the store only feeds it.
type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

const pgKeySchema = `
CREATE TABLE IF NOT EXISTS subscriber_keys (
	key_id TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	public_key TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriber_keys_subscriber ON subscriber_keys(subscriber_id);
`

func (s *PostgresKeyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgKeySchema)
	return err
}

// Save upserts a base64 encoded public key.
func (s *PostgresKeyStore) Save(ctx context.Context, keyID, publicKeyB64 string) error {
	id, err := signing.ParseKeyID(keyID)
	if err != nil {
		return err
	}
	if _, err := signing.DecodePublicKey(publicKeyB64); err != nil {
		return err
	}
	query := `
		INSERT INTO subscriber_keys (key_id, subscriber_id, public_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			created_at = EXCLUDED.created_at
	`
	if _, err := s.db.ExecContext(ctx, query, keyID, id.SubscriberID, publicKeyB64, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to persist key: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an unknown key is not an error.
func (s *PostgresKeyStore) Delete(ctx context.Context, keyID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM subscriber_keys WHERE key_id = $1", keyID); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// LoadAll returns every stored key, oldest first.
func (s *PostgresKeyStore) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key_id, subscriber_id, public_key, created_at FROM subscriber_keys ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.KeyID, &e.SubscriberID, &e.PublicKey, &e.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadInto registers every stored key in reg. Keys that no longer decode are
// skipped and counted as failures.
func (s *PostgresKeyStore) LoadInto(ctx context.Context, reg *KeyRegistry) (loaded int, failed int, err error) {
	entries, err := s.LoadAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		pub, decErr := signing.DecodePublicKey(e.PublicKey)
		if decErr != nil {
			failed++
			continue
		}
		if applyErr := reg.Apply(KeyEvent{Type: EventKeyAdded, KeyID: e.KeyID, PublicKey: pub, At: e.RegisteredAt}); applyErr != nil {
			failed++
			continue
		}
		loaded++
	}
	return loaded, failed, nil
}

func encodeKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
