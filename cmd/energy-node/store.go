package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres Driver

	"github.com/p2p-energy-trading/engine/pkg/config"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/state"
)

// backend is the opened block store, the document store beside it and the
// Postgres handle shared with the subscriber key store. pg is nil unless
// DATABASE_URL is set.
type backend struct {
	store   orderbook.Store
	docs    state.Store
	pg      *sql.DB
	closers []func() error
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info("postgres connected")
		b.pg = db
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory block store; catalog and inventory are lost on restart")
		b.store = orderbook.NewMemoryStore()
		b.docs = state.NewMemoryStore()

	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				b.close()
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := orderbook.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		s, err := orderbook.NewSQLiteStore(db)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("init sqlite block store: %w", err)
		}
		docs, err := state.NewSQLiteStore(ctx, db)
		if err != nil {
			b.close()
			return nil, err
		}
		logger.Info("lite mode: sqlite block store", "path", cfg.SQLitePath)
		b.store, b.docs = s, docs

	case config.BackendPostgres:
		if b.pg == nil {
			return nil, fmt.Errorf("%w: postgres backend without DATABASE_URL", config.ErrInvalid)
		}
		s := orderbook.NewPostgresStore(b.pg)
		if err := s.Init(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("init postgres block store: %w", err)
		}
		docs := state.NewPostgresStore(b.pg)
		if err := docs.Init(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("init postgres documents: %w", err)
		}
		b.store, b.docs = s, docs

	case config.BackendRedis:
		s := orderbook.NewRedisStoreFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		b.closers = append(b.closers, s.Close)
		if err := s.Ping(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("redis block store", "addr", cfg.RedisAddr)
		b.store, b.docs = s, state.NewRedisStore(s.Client(), "")

	default:
		b.close()
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalid, cfg.StoreBackend)
	}
	return b, nil
}
