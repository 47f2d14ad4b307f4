package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/otel"
)

var (
	// ErrPoolExhausted is returned when no connection could be acquired
	// within the configured wait.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrTxForcedAbort is returned when the monitor rolled back a
	// transaction that ran past twice the warning threshold. Retryable.
	ErrTxForcedAbort = errors.New("transaction force-aborted by monitor")
)

// SQLSTATE codes the classifiers care about.
const (
	codeSerializationFailure  = "40001"
	codeDeadlockDetected      = "40P01"
	codeLockNotAvailable      = "55P03"
	codeUniqueViolation       = "23505"
	codeSyntaxError           = "42601"
	codeUndefinedColumn       = "42703"
	codeUndefinedTable        = "42P01"
	codeInsufficientPrivilege = "42501"
	codeInvalidAuthSpec       = "28000"
	codeInvalidPassword       = "28P01"
)

var deadlockMarkers = []string{
	"deadlock detected",
	"could not serialize access",
	"lock timeout",
	"concurrent update",
}

var connectionMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"server closed the connection",
	"closed pool",
	"conn closed",
	"unexpected eof",
}

var fatalMarkers = []string{
	"syntax error",
	"permission denied",
	"password authentication failed",
	"role \"",
	"column \"",
	"relation \"",
}

// IsDeadlock reports whether err is a deadlock, serialization failure or
// lock wait that deserves a jittered retry.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range deadlockMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint conflict. The
// state layer maps these onto domain errors instead of retrying.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsRetryable classifies err for the retry primitive. Deadlocks, lock
// timeouts, dropped connections and forced aborts are retryable; syntax
// errors, missing objects, permission and authentication failures, and
// anything unrecognised (domain errors included) are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTxForcedAbort) || errors.Is(err, ErrPoolExhausted) {
		return true
	}
	if IsUniqueViolation(err) {
		return false
	}
	if IsDeadlock(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSyntaxError, codeUndefinedColumn, codeUndefinedTable,
			codeInsufficientPrivilege, codeInvalidAuthSpec, codeInvalidPassword:
			return false
		}
		// Class 08 is connection exceptions, class 57 operator
		// intervention (shutdown, crash); both clear up on retry.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57") {
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	for _, m := range connectionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// ExecuteWithRetry runs op up to maxAttempts times, backing off with jitter
// between attempts, capped at 5s. Only retryable failures are retried; the
// last error is returned once the budget is spent. maxAttempts <= 0 uses the
// configured default.
func (d *DB) ExecuteWithRetry(ctx context.Context, label string, maxAttempts int, op func(context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxRetryAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	run := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		d.patterns.record(err)
		if IsDeadlock(err) {
			d.stats.deadlocks.Add(1)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= maxAttempts {
			d.log.Warn("retry budget exhausted",
				zap.String("op", label),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return backoff.Permanent(fmt.Errorf("%s failed after %d attempts: %w", label, attempt, err))
		}
		d.stats.retries.Add(1)
		otel.RecordRetry(trace.SpanFromContext(ctx), attempt, err.Error())
		d.log.Debug("retrying operation",
			zap.String("op", label),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}
	return backoff.Retry(run, backoff.WithContext(bo, ctx))
}
