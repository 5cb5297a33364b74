package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/nudge"
	"github.com/sells-group/autonomy-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "autonomy.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initQueue returns the nudge delivery backend. The store outbox is the
// default; Redis offloads pull traffic from the relational store.
func initQueue(ctx context.Context, st store.Store) (nudge.Queue, error) {
	switch cfg.Nudge.Backend {
	case "", "store":
		return nudge.NewStoreQueue(st), nil
	case "redis":
		return nudge.NewRedisQueue(ctx, cfg.Nudge.RedisAddr, cfg.Nudge.RedisPassword, cfg.Nudge.RedisDB)
	default:
		return nil, eris.Errorf("unsupported nudge backend: %s", cfg.Nudge.Backend)
	}
}
