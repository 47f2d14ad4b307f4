package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the query surface handed to transactional operations.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txHandle counts queries for the monitor while delegating to pgx.
type txHandle struct {
	tx   pgx.Tx
	info *txInfo
}

func (h *txHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	h.info.queries.Add(1)
	return h.tx.Exec(ctx, sql, args...)
}

func (h *txHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	h.info.queries.Add(1)
	return h.tx.Query(ctx, sql, args...)
}

func (h *txHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	h.info.queries.Add(1)
	return h.tx.QueryRow(ctx, sql, args...)
}

// WithConn runs fn on a pooled connection, releasing it on every exit path.
// Acquisition waits at most the configured connect timeout; a closed pool is
// rebuilt once before the acquire is retried.
func (d *DB) WithConn(ctx context.Context, label string, fn func(context.Context, *pgxpool.Conn) error) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

var errClosed = errors.New("database is closed")

func (d *DB) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	pool := d.getPool()
	if pool == nil {
		return nil, errClosed
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	start := d.nowFunc()
	conn, err := pool.Acquire(actx)
	d.stats.observeAcquire(d.nowFunc().Sub(start), err)
	if err == nil {
		return conn, nil
	}
	d.patterns.record(err)

	if isPoolClosed(err) {
		if rerr := d.reconnect(ctx); rerr != nil {
			return nil, fmt.Errorf("pool closed and rebuild failed: %w", rerr)
		}
		start = d.nowFunc()
		conn, err = d.getPool().Acquire(actx)
		d.stats.observeAcquire(d.nowFunc().Sub(start), err)
		if err == nil {
			return conn, nil
		}
		d.patterns.record(err)
	}

	// Acquire timed out while the caller's context is still live: the pool
	// is saturated, not the request stale.
	if actx.Err() != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	return nil, err
}

func isPoolClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "closed pool")
}

// WithTxn begins a transaction, runs fn, commits on normal return and rolls
// back on error or panic. The transaction is registered with the monitor;
// one flagged for forced abort is rolled back instead of committed and the
// caller sees a retryable ErrTxForcedAbort.
func (d *DB) WithTxn(ctx context.Context, label string, fn func(context.Context, Querier) error) error {
	return d.WithConn(ctx, label, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			d.patterns.record(err)
			return fmt.Errorf("begin %s: %w", label, err)
		}

		info := d.monitor.begin(label)
		settled := false
		defer func() {
			if !settled {
				_ = tx.Rollback(ctx)
				d.monitor.end(info, TxRolledBack)
				d.stats.rollbacks.Add(1)
			}
		}()

		if err := fn(ctx, &txHandle{tx: tx, info: info}); err != nil {
			settled = true
			_ = tx.Rollback(ctx)
			d.monitor.end(info, txFailureStatus(err))
			d.stats.rollbacks.Add(1)
			return err
		}

		if info.abort.Load() {
			settled = true
			_ = tx.Rollback(ctx)
			d.monitor.end(info, TxForceAbort)
			d.stats.rollbacks.Add(1)
			d.stats.forcedAborts.Add(1)
			return fmt.Errorf("%s: %w", label, ErrTxForcedAbort)
		}

		if err := tx.Commit(ctx); err != nil {
			settled = true
			d.patterns.record(err)
			d.monitor.end(info, txFailureStatus(err))
			d.stats.rollbacks.Add(1)
			return fmt.Errorf("commit %s: %w", label, err)
		}

		settled = true
		d.monitor.end(info, TxCommitted)
		d.stats.commits.Add(1)
		return nil
	})
}

func txFailureStatus(err error) TxStatus {
	switch {
	case IsDeadlock(err):
		return TxDeadlock
	case errors.Is(err, context.DeadlineExceeded):
		return TxTimeout
	default:
		return TxRolledBack
	}
}
