// Package repository is the Postgres-backed catalog store.
package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// Store owns the connection pool. Every operation borrows one connection
// for its whole duration, transaction included.
type Store struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewPool opens a fixed-size pool and checks connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.MinConns = int32(min(cfg.PoolSize, 2))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Infof("✅ Connected to Postgres %s:%d/%s (pool size %d)", cfg.Host, cfg.Port, cfg.Name, cfg.PoolSize)
	return pool, nil
}

func New(pool *pgxpool.Pool, acquireTimeout time.Duration, m *metrics.Metrics) *Store {
	return &Store{
		pool:           pool,
		acquireTimeout: acquireTimeout,
		metrics:        m,
		now:            time.Now,
	}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	const op = "migrate"
	conn, err := s.acquire(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return wrap(op, err)
	}
	log.Info("🔧 Database schema is up to date")
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// acquire waits at most acquireTimeout for a free connection.
func (s *Store) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx := ctx
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}

	conn, err := s.pool.Acquire(acquireCtx)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		s.metrics.IncPoolExhausted()
		stat := s.pool.Stat()
		return nil, fmt.Errorf("%w: waited %v, %d/%d connections in use",
			ErrPoolExhausted, s.acquireTimeout, stat.AcquiredConns(), stat.MaxConns())
	}
	return nil, err
}
