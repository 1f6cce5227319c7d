package main

import (
	"context"
	"database/sql"
	"log/slog"

	"ordersaga/cmd/server/config"
	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/idempotency"
	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openOrderDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// orderStores bundles the persistence the saga needs.
type orderStores struct {
	orders orders.Store
	steps  saga.StepLog
}

// buildOrderStores opens Postgres through pgx when databaseURL is set and
// falls back to in-memory stores otherwise.
func buildOrderStores(ctx context.Context, logger *slog.Logger, databaseURL string) (orderStores, func(), error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set; orders are kept in memory")
		return orderStores{orders: orders.NewMemoryStore(), steps: saga.NewMemoryLog()}, func() {}, nil
	}

	db, err := openOrderDB("pgx", databaseURL)
	if err != nil {
		return orderStores{}, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return orderStores{}, nil, err
	}
	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return orderStores{}, nil, err
	}
	stepStore, err := ordersdb.NewStepStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return orderStores{}, nil, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Error("close orders db", "error", err)
		}
	}
	return orderStores{orders: orderStore, steps: stepStore}, cleanup, nil
}

// buildIdempotencyStore connects to Redis when configured and falls back to
// a process-local store otherwise.
func buildIdempotencyStore(ctx context.Context, logger *slog.Logger, cfg config.RedisConfig) (orders.IdempotencyStore, func(), error) {
	if !cfg.Enabled() {
		logger.Warn("REDIS_URL not set; idempotency keys are process-local")
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL), func() {}, nil
	}

	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error("close redis", "error", err)
		}
	}
	return idempotency.NewRedisStore(client, cfg.IdempotencyTTL), cleanup, nil
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}
