package orderbook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

// PostgresStore is the durable Store. Claims lock candidate rows with
// FOR UPDATE SKIP LOCKED inside the claiming UPDATE, so concurrent buyers
// of the same offer take disjoint blocks without waiting on each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgBlockSchema = `
CREATE TABLE IF NOT EXISTS energy_blocks (
	id TEXT PRIMARY KEY,
	offer_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	seq INT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('AVAILABLE', 'RESERVED', 'SOLD')),
	order_id TEXT,
	transaction_id TEXT,
	price_value NUMERIC(18, 6) NOT NULL,
	currency TEXT NOT NULL,
	window_start TIMESTAMPTZ,
	window_end TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	reserved_at TIMESTAMPTZ,
	sold_at TIMESTAMPTZ,
	UNIQUE (offer_id, seq),
	CHECK ((status = 'AVAILABLE') = (order_id IS NULL AND transaction_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_energy_blocks_claim ON energy_blocks(offer_id, status, seq);
CREATE INDEX IF NOT EXISTS idx_energy_blocks_order ON energy_blocks(order_id);
CREATE INDEX IF NOT EXISTS idx_energy_blocks_txn ON energy_blocks(transaction_id);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgBlockSchema)
	return err
}

const pgBlockColumns = `id, offer_id, item_id, provider_id, status, order_id, transaction_id,
	price_value, currency, window_start, window_end, created_at, reserved_at, sold_at`

const pgUniqueViolation = "23505"

func (s *PostgresStore) InsertBlocks(ctx context.Context, blocks []contracts.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO energy_blocks (id, offer_id, item_id, provider_id, seq, status, price_value, currency, window_start, window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for i, b := range blocks {
		var start, end sql.NullTime
		if b.TimeWindow != nil {
			start = sql.NullTime{Time: b.TimeWindow.Start, Valid: true}
			end = sql.NullTime{Time: b.TimeWindow.End, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query, b.ID, b.OfferID, b.ItemID, b.ProviderID, i, string(b.Status),
			b.Price.Value, b.Price.Currency, start, end, b.CreatedAt); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
				return ErrBlocksExist
			}
			return fmt.Errorf("insert block: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ClaimAvailable(ctx context.Context, offerID string, quantity int, orderID, transactionID string, at time.Time) ([]contracts.Block, error) {
	query := `
		UPDATE energy_blocks
		SET status = 'RESERVED', order_id = $1, transaction_id = $2, reserved_at = $3
		WHERE id IN (
			SELECT id FROM energy_blocks
			WHERE offer_id = $4 AND status = 'AVAILABLE'
			ORDER BY seq
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pgBlockColumns
	rows, err := s.db.QueryContext(ctx, query, orderID, transactionID, at, offerID, quantity)
	if err != nil {
		return nil, err
	}
	return scanPGBlocks(rows)
}

func (s *PostgresStore) MarkSold(ctx context.Context, orderID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE energy_blocks SET status = 'SOLD', sold_at = $1 WHERE order_id = $2 AND status = 'RESERVED'",
		at, orderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Release(ctx context.Context, transactionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE energy_blocks
		SET status = 'AVAILABLE', order_id = NULL, transaction_id = NULL, reserved_at = NULL
		WHERE transaction_id = $1 AND status = 'RESERVED'`, transactionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Stats(ctx context.Context, offerID string) (contracts.BlockStats, error) {
	return queryStats(ctx, s.db, "SELECT status, COUNT(*) FROM energy_blocks WHERE offer_id = $1 GROUP BY status", offerID)
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]contracts.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgBlockColumns+" FROM energy_blocks WHERE order_id = $1 ORDER BY offer_id, seq", orderID)
	if err != nil {
		return nil, err
	}
	return scanPGBlocks(rows)
}

func (s *PostgresStore) DeleteByOffer(ctx context.Context, offerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM energy_blocks WHERE offer_id = $1", offerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanPGBlocks(rows *sql.Rows) ([]contracts.Block, error) {
	defer func() { _ = rows.Close() }()
	out := []contracts.Block{}
	for rows.Next() {
		var (
			b                  contracts.Block
			status             string
			orderID, txnID     sql.NullString
			start, end         sql.NullTime
			reservedAt, soldAt sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.OfferID, &b.ItemID, &b.ProviderID, &status, &orderID, &txnID,
			&b.Price.Value, &b.Price.Currency, &start, &end, &b.CreatedAt, &reservedAt, &soldAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Status = contracts.BlockStatus(status)
		b.OrderID = orderID.String
		b.TransactionID = txnID.String
		if start.Valid && end.Valid {
			b.TimeWindow = &contracts.TimeWindow{Start: start.Time, End: end.Time}
		}
		if reservedAt.Valid {
			t := reservedAt.Time
			b.ReservedAt = &t
		}
		if soldAt.Valid {
			t := soldAt.Time
			b.SoldAt = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
