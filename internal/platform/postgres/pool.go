package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Antinna/HTTP-3/internal/platform/config"
)

const (
	defaultConnectAttempts = 10
	defaultConnectDelay    = 2 * time.Second
	defaultPingTimeout     = 5 * time.Second
)

// DB is the subset of pgx shared by pools and transactions.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects a pool and waits for the database to answer a ping, retrying while it starts up.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres: database url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	var lastErr error
	for attempt := 1; attempt <= defaultConnectAttempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-time.After(defaultConnectDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("postgres: connect cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("postgres: unreachable after %d attempts: %w", defaultConnectAttempts, lastErr)
}

// Ping is a readiness probe for the pool.
func Ping(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return errors.New("postgres: pool not configured")
		}
		return pool.Ping(ctx)
	}
}
