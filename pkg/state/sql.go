package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore keeps documents in one node_documents table. The SQLite and
// Postgres flavours differ only in placeholders and column types.
type SQLStore struct {
	db      *sql.DB
	schema  string
	upsert  string
	delete  string
	list    string
	nowUnix bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS node_documents (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	doc TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);`

const pgSchema = `
CREATE TABLE IF NOT EXISTS node_documents (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, id)
);`

// NewSQLiteStore uses a database opened with orderbook.OpenSQLite and
// creates the table.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{
		db:     db,
		schema: sqliteSchema,
		upsert: `INSERT INTO node_documents (kind, id, doc, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (kind, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		delete:  "DELETE FROM node_documents WHERE kind = ? AND id = ?",
		list:    "SELECT id, doc FROM node_documents WHERE kind = ?",
		nowUnix: true,
	}
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("init sqlite documents: %w", err)
	}
	return s, nil
}

// NewPostgresStore returns a store over db. Call Init before first use.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:     db,
		schema: pgSchema,
		upsert: `INSERT INTO node_documents (kind, id, doc, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (kind, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		delete: "DELETE FROM node_documents WHERE kind = $1 AND id = $2",
		list:   "SELECT id, doc FROM node_documents WHERE kind = $1",
	}
}

// Init creates the documents table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.schema)
	return err
}

func (s *SQLStore) Put(ctx context.Context, kind, id string, doc []byte) error {
	var at any = time.Now().UTC()
	if s.nowUnix {
		at = time.Now().UnixNano()
	}
	_, err := s.db.ExecContext(ctx, s.upsert, kind, id, string(doc), at)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, s.delete, kind, id)
	return err
}

func (s *SQLStore) List(ctx context.Context, kind string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.list, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]byte)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out[id] = []byte(doc)
	}
	return out, rows.Err()
}
