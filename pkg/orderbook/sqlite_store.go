package orderbook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2p-energy-trading/engine/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the lite-mode Store. Timestamps are stored as unix
// nanoseconds. The claim is a single UPDATE ... RETURNING statement, which
// SQLite executes under its database write lock.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database for the block ledger.
// The pool is limited to one connection so writers queue instead of failing
// with SQLITE_BUSY, and so ":memory:" databases are shared.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS energy_blocks (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT,
		transaction_id TEXT,
		price_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		window_start INTEGER,
		window_end INTEGER,
		created_at INTEGER NOT NULL,
		reserved_at INTEGER,
		sold_at INTEGER,
		UNIQUE (offer_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_energy_blocks_claim ON energy_blocks(offer_id, status, seq);
	CREATE INDEX IF NOT EXISTS idx_energy_blocks_order ON energy_blocks(order_id);
	CREATE INDEX IF NOT EXISTS idx_energy_blocks_txn ON energy_blocks(transaction_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const sqliteBlockColumns = `id, offer_id, item_id, provider_id, status, order_id, transaction_id,
	price_value, currency, window_start, window_end, created_at, reserved_at, sold_at`

func (s *SQLiteStore) InsertBlocks(ctx context.Context, blocks []contracts.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM energy_blocks WHERE offer_id = ?", blocks[0].OfferID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return ErrBlocksExist
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO energy_blocks (id, offer_id, item_id, provider_id, seq, status, price_value, currency, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, b := range blocks {
		var start, end sql.NullInt64
		if b.TimeWindow != nil {
			start = sql.NullInt64{Int64: b.TimeWindow.Start.UnixNano(), Valid: true}
			end = sql.NullInt64{Int64: b.TimeWindow.End.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, b.ID, b.OfferID, b.ItemID, b.ProviderID, i, string(b.Status),
			b.Price.Value.String(), b.Price.Currency, start, end, b.CreatedAt.UnixNano()); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrBlocksExist
			}
			return fmt.Errorf("insert block: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ClaimAvailable(ctx context.Context, offerID string, quantity int, orderID, transactionID string, at time.Time) ([]contracts.Block, error) {
	query := `
		UPDATE energy_blocks
		SET status = 'RESERVED', order_id = ?, transaction_id = ?, reserved_at = ?
		WHERE status = 'AVAILABLE' AND id IN (
			SELECT id FROM energy_blocks
			WHERE offer_id = ? AND status = 'AVAILABLE'
			ORDER BY seq
			LIMIT ?
		)
		RETURNING ` + sqliteBlockColumns
	rows, err := s.db.QueryContext(ctx, query, orderID, transactionID, at.UnixNano(), offerID, quantity)
	if err != nil {
		return nil, err
	}
	return scanSQLiteBlocks(rows)
}

func (s *SQLiteStore) MarkSold(ctx context.Context, orderID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE energy_blocks SET status = 'SOLD', sold_at = ? WHERE order_id = ? AND status = 'RESERVED'",
		at.UnixNano(), orderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Release(ctx context.Context, transactionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE energy_blocks
		SET status = 'AVAILABLE', order_id = NULL, transaction_id = NULL, reserved_at = NULL
		WHERE transaction_id = ? AND status = 'RESERVED'`, transactionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(ctx context.Context, offerID string) (contracts.BlockStats, error) {
	return queryStats(ctx, s.db, "SELECT status, COUNT(*) FROM energy_blocks WHERE offer_id = ? GROUP BY status", offerID)
}

func (s *SQLiteStore) ListByOrder(ctx context.Context, orderID string) ([]contracts.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteBlockColumns+" FROM energy_blocks WHERE order_id = ? ORDER BY offer_id, seq", orderID)
	if err != nil {
		return nil, err
	}
	return scanSQLiteBlocks(rows)
}

func (s *SQLiteStore) DeleteByOffer(ctx context.Context, offerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM energy_blocks WHERE offer_id = ?", offerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSQLiteBlocks(rows *sql.Rows) ([]contracts.Block, error) {
	defer func() { _ = rows.Close() }()
	out := []contracts.Block{}
	for rows.Next() {
		var (
			b                  contracts.Block
			status, price      string
			orderID, txnID     sql.NullString
			start, end         sql.NullInt64
			created            int64
			reservedAt, soldAt sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.OfferID, &b.ItemID, &b.ProviderID, &status, &orderID, &txnID,
			&price, &b.Price.Currency, &start, &end, &created, &reservedAt, &soldAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		v, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("corrupt block price %q: %w", price, err)
		}
		b.Price.Value = v
		b.Status = contracts.BlockStatus(status)
		b.OrderID = orderID.String
		b.TransactionID = txnID.String
		b.CreatedAt = time.Unix(0, created).UTC()
		if start.Valid && end.Valid {
			b.TimeWindow = &contracts.TimeWindow{Start: time.Unix(0, start.Int64).UTC(), End: time.Unix(0, end.Int64).UTC()}
		}
		b.ReservedAt = nanoPtr(reservedAt)
		b.SoldAt = nanoPtr(soldAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nanoPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// queryStats runs a "status, count" aggregate. Shared by the SQL stores.
func queryStats(ctx context.Context, db *sql.DB, query, offerID string) (contracts.BlockStats, error) {
	stats := contracts.BlockStats{OfferID: offerID}
	rows, err := db.QueryContext(ctx, query, offerID)
	if err != nil {
		return stats, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch contracts.BlockStatus(status) {
		case contracts.BlockAvailable:
			stats.Available += n
		case contracts.BlockReserved:
			stats.Reserved += n
		case contracts.BlockSold:
			stats.Sold += n
		default:
			return stats, errors.New("orderbook: unknown block status " + status)
		}
		stats.Total += n
	}
	return stats, rows.Err()
}
