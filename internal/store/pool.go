// Package store provides pooled, retrying, transaction-monitored access to
// the orchestrator's PostgreSQL database.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config sizes the pool and its per-connection session settings.
type Config struct {
	DSN              string
	MinConns         int32
	MaxConns         int32
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	IdleInTxTimeout  time.Duration
	AppName          string
	TxWarnThreshold  time.Duration
	MaxRetryAttempts int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.AppName == "" {
		c.AppName = "conductor"
	}
	if c.TxWarnThreshold <= 0 {
		c.TxWarnThreshold = 30 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
}

// DB wraps a pgx pool with scoped connection and transaction primitives,
// deadlock-aware retries and a long-transaction monitor. The pool is
// rebuilt if it is found closed.
type DB struct {
	cfg     Config
	log     *zap.Logger
	monitor *TxMonitor

	mu   sync.RWMutex
	pool *pgxpool.Pool

	stats    *counters
	patterns *patternTable

	nowFunc func() time.Time
}

// Open connects to the database, retrying with exponential backoff until the
// context is done or the pool answers a liveness probe. The returned DB owns
// the pool and its transaction monitor; call Close on shutdown.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*DB, error) {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	d := &DB{
		cfg:      cfg,
		log:      log,
		stats:    newCounters(),
		patterns: newPatternTable(maxErrorPatterns),
		nowFunc:  time.Now,
	}
	d.monitor = NewTxMonitor(cfg.TxWarnThreshold, log)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // caller's context bounds the wait

	connect := func() error {
		pool, err := d.buildPool(ctx)
		if err != nil {
			d.patterns.record(err)
			log.Warn("database connect failed, backing off", zap.Error(err))
			return err
		}
		d.mu.Lock()
		d.pool = pool
		d.mu.Unlock()
		return nil
	}
	if err := backoff.Retry(connect, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Info("database pool ready",
		zap.Int32("min_conns", cfg.MinConns),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Duration("statement_timeout", cfg.StatementTimeout),
		zap.Duration("lock_timeout", cfg.LockTimeout))
	return d, nil
}

func (d *DB) buildPool(ctx context.Context) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(d.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pc.MinConns = d.cfg.MinConns
	pc.MaxConns = d.cfg.MaxConns
	pc.ConnConfig.ConnectTimeout = d.cfg.ConnectTimeout
	pc.ConnConfig.RuntimeParams["application_name"] = d.cfg.AppName

	// Session settings applied once per physical connection.
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		stmts := []string{
			fmt.Sprintf("SET statement_timeout = %d", d.cfg.StatementTimeout.Milliseconds()),
			fmt.Sprintf("SET lock_timeout = %d", d.cfg.LockTimeout.Milliseconds()),
			fmt.Sprintf("SET idle_in_transaction_session_timeout = %d", d.cfg.IdleInTxTimeout.Milliseconds()),
		}
		for _, s := range stmts {
			if _, err := conn.Exec(ctx, s); err != nil {
				return fmt.Errorf("apply session setting %q: %w", s, err)
			}
		}
		return nil
	}

	// Liveness probe before a connection is handed out.
	pc.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		_, err := conn.Exec(ctx, "SELECT 1")
		return err == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func (d *DB) getPool() *pgxpool.Pool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pool
}

// reconnect replaces a closed pool. Concurrent callers race benignly; the
// loser closes its pool and keeps the winner's.
func (d *DB) reconnect(ctx context.Context) error {
	pool, err := d.buildPool(ctx)
	if err != nil {
		d.patterns.record(err)
		return err
	}
	d.mu.Lock()
	old := d.pool
	d.pool = pool
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	d.stats.reconnects.Add(1)
	d.log.Warn("database pool rebuilt after closure")
	return nil
}

// Ping verifies the database answers. Used by readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	pool := d.getPool()
	if pool == nil {
		return errClosed
	}
	return pool.Ping(ctx)
}

// Monitor exposes the long-transaction monitor so the composition root can
// start and stop its sweep loop.
func (d *DB) Monitor() *TxMonitor {
	return d.monitor
}

// Close drains the pool. In-flight operations finish first.
func (d *DB) Close() {
	d.mu.Lock()
	pool := d.pool
	d.pool = nil
	d.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
