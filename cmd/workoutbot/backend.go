package main

import (
	"context"
	"fmt"

	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/store"
	"github.com/p-blackswan/workoutbot/internal/store/redisstore"
)

// backends bundles the SQLite database, which always holds callout history
// and the audit log, with the key-value store chosen for the ledger.
type backends struct {
	db     *store.Store
	kv     ledger.Store
	redis  *redisstore.Store
	pingKV func(ctx context.Context) error
}

func openBackends(ctx context.Context) (*backends, error) {
	db, err := store.New(cfg.DBPath, logger, store.WithBusyTimeout(cfg.DBBusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	b := &backends{db: db}

	switch cfg.LedgerBackend {
	case "sqlite":
		b.kv = db
		b.pingKV = db.Ping
	case "redis":
		rcfg := redisstore.DefaultConfig()
		rcfg.Addr = cfg.RedisAddr
		rcfg.Password = cfg.RedisPassword
		rcfg.DB = cfg.RedisDB
		rcfg.KeyPrefix = cfg.RedisKeyPrefix
		rs, err := redisstore.New(ctx, rcfg, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open redis ledger: %w", err)
		}
		b.redis = rs
		b.kv = rs
		b.pingKV = rs.Ping
	case "memory":
		logger.Warn().Msg("ledger backend is memory, totals are lost on restart")
		b.kv = ledger.NewMemoryStore()
		b.pingKV = func(context.Context) error { return nil }
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	logger.Info().Str("backend", cfg.LedgerBackend).Str("db_path", cfg.DBPath).Msg("storage ready")
	return b, nil
}

func (b *backends) Close() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("closing redis failed")
		}
	}
	if err := b.db.Close(); err != nil {
		logger.Error().Err(err).Msg("closing database failed")
	}
}
