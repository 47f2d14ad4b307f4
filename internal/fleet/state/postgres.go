// Package state persists fleet state in PostgreSQL through the pooled,
// retrying access layer.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/store"
)

// PostgresStore implements fleet.Store over the orchestrator tables.
type PostgresStore struct {
	db *store.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *store.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Txn runs fn inside one transaction. Deadlocks, lock timeouts and dropped
// connections rerun fn from scratch; once the retry budget is spent the
// failure surfaces as fleet.ErrUnavailable. Domain errors pass through.
func (s *PostgresStore) Txn(ctx context.Context, label string, fn func(context.Context, fleet.Tx) error) error {
	err := s.db.ExecuteWithRetry(ctx, label, 0, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, label, func(ctx context.Context, q store.Querier) error {
			return fn(ctx, &pgTx{q: q})
		})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case store.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", label, fleet.ErrUnavailable, err)
	default:
		return err
	}
}

type pgTx struct {
	q store.Querier
}

const workerColumns = "id, address_host, address_port, capacity, load, status, registered_at, last_heartbeat"

func (t *pgTx) UpsertWorker(ctx context.Context, w fleet.Worker) (bool, error) {
	// xmax is zero for freshly inserted rows, so it distinguishes the
	// insert and update arms of the upsert. registered_at survives updates.
	row := t.q.QueryRow(ctx, `
		INSERT INTO orchestrator_instances
			(id, address_host, address_port, capacity, load, status, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, 0, 'active', $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			address_host   = EXCLUDED.address_host,
			address_port   = EXCLUDED.address_port,
			capacity       = EXCLUDED.capacity,
			load           = 0,
			status         = 'active',
			last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING xmax <> 0`,
		w.ID, w.Host, w.Port, w.Capacity, w.RegisteredAt, w.LastHeartbeat)

	var existed bool
	if err := row.Scan(&existed); err != nil {
		return false, fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return existed, nil
}

func (t *pgTx) GetWorker(ctx context.Context, id string) (fleet.Worker, error) {
	return t.getWorker(ctx, id, "")
}

func (t *pgTx) GetWorkerForUpdate(ctx context.Context, id string) (fleet.Worker, error) {
	return t.getWorker(ctx, id, " FOR UPDATE")
}

func (t *pgTx) getWorker(ctx context.Context, id, suffix string) (fleet.Worker, error) {
	row := t.q.QueryRow(ctx,
		"SELECT "+workerColumns+" FROM orchestrator_instances WHERE id = $1"+suffix, id)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Worker{}, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

func (t *pgTx) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	return t.listWorkers(ctx, "SELECT "+workerColumns+" FROM orchestrator_instances ORDER BY id")
}

func (t *pgTx) ListActiveWorkers(ctx context.Context) ([]fleet.Worker, error) {
	return t.listWorkers(ctx, "SELECT "+workerColumns+" FROM orchestrator_instances WHERE status = 'active' ORDER BY id")
}

func (t *pgTx) ListActiveWorkersForUpdate(ctx context.Context) ([]fleet.Worker, error) {
	return t.listWorkers(ctx, "SELECT "+workerColumns+" FROM orchestrator_instances WHERE status = 'active' ORDER BY id FOR UPDATE")
}

func (t *pgTx) listWorkers(ctx context.Context, sql string) ([]fleet.Worker, error) {
	rows, err := t.q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

func (t *pgTx) RecordHeartbeat(ctx context.Context, id string, load int, status fleet.WorkerStatus, at time.Time) error {
	// GREATEST keeps last_heartbeat monotonic when beats arrive reordered.
	tag, err := t.q.Exec(ctx, `
		UPDATE orchestrator_instances
		SET load = $2, status = $3, last_heartbeat = GREATEST(last_heartbeat, $4)
		WHERE id = $1`,
		id, load, string(status), at)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

func (t *pgTx) MarkStaleWorkers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := t.q.Query(ctx, `
		UPDATE orchestrator_instances
		SET status = 'inactive'
		WHERE status = 'active' AND last_heartbeat < $1
		RETURNING id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale workers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale worker id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark stale workers: %w", err)
	}
	return ids, nil
}

func (t *pgTx) SetWorkerStatus(ctx context.Context, id string, status fleet.WorkerStatus) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE orchestrator_instances SET status = $2 WHERE id = $1", id, string(status))
	if err != nil {
		return fmt.Errorf("set status for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetWorkerLoad(ctx context.Context, id string, load int) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE orchestrator_instances SET load = $2 WHERE id = $1", id, load)
	if err != nil {
		return fmt.Errorf("set load for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

func (t *pgTx) RecomputeLoad(ctx context.Context, id string) (int, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE orchestrator_instances i
		SET load = (
			SELECT count(*) FROM orchestrator_stream_assignments a
			WHERE a.worker_id = i.id AND a.status = 'active'
		)
		WHERE i.id = $1
		RETURNING load`,
		id)
	var load int
	if err := row.Scan(&load); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
		}
		return 0, fmt.Errorf("recompute load for %s: %w", id, err)
	}
	return load, nil
}

func (t *pgTx) RecomputeAllLoads(ctx context.Context) error {
	_, err := t.q.Exec(ctx, `
		UPDATE orchestrator_instances i
		SET load = (
			SELECT count(*) FROM orchestrator_stream_assignments a
			WHERE a.worker_id = i.id AND a.status = 'active'
		)`)
	if err != nil {
		return fmt.Errorf("recompute loads: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteWorker(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, "DELETE FROM orchestrator_instances WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertAssignment(ctx context.Context, streamID int64, workerID string, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orchestrator_stream_assignments (stream_id, worker_id, assigned_at, status)
		VALUES ($1, $2, $3, 'active')`,
		streamID, workerID, at)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("stream %d: %w", streamID, fleet.ErrAlreadyAssigned)
	}
	if err != nil {
		return fmt.Errorf("assign stream %d to %s: %w", streamID, workerID, err)
	}
	return nil
}

func (t *pgTx) InsertAssignments(ctx context.Context, streamIDs []int64, workerID string, at time.Time) error {
	if len(streamIDs) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO orchestrator_stream_assignments (stream_id, worker_id, assigned_at, status)
		SELECT s, $2, $3, 'active' FROM unnest($1::bigint[]) AS s`,
		streamIDs, workerID, at)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("assign batch to %s: %w", workerID, fleet.ErrAlreadyAssigned)
	}
	if err != nil {
		return fmt.Errorf("assign %d streams to %s: %w", len(streamIDs), workerID, err)
	}
	return nil
}

func (t *pgTx) InsertUnassigned(ctx context.Context, streamID int64, workerID string, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orchestrator_stream_assignments (stream_id, worker_id, assigned_at, status)
		VALUES ($1, $2, $3, 'unassigned')`,
		streamID, workerID, at)
	if err != nil {
		return fmt.Errorf("mark stream %d unassigned: %w", streamID, err)
	}
	return nil
}

func (t *pgTx) DeleteActiveByWorker(ctx context.Context, workerID string) (int, error) {
	tag, err := t.q.Exec(ctx,
		"DELETE FROM orchestrator_stream_assignments WHERE worker_id = $1 AND status = 'active'",
		workerID)
	if err != nil {
		return 0, fmt.Errorf("delete assignments of %s: %w", workerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) DeleteActiveByWorkerAndStreams(ctx context.Context, workerID string, streamIDs []int64) (int, error) {
	if len(streamIDs) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, `
		DELETE FROM orchestrator_stream_assignments
		WHERE worker_id = $1 AND status = 'active' AND stream_id = ANY($2::bigint[])`,
		workerID, streamIDs)
	if err != nil {
		return 0, fmt.Errorf("release streams of %s: %w", workerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) DeleteActiveByStreams(ctx context.Context, streamIDs []int64) (int, error) {
	if len(streamIDs) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, `
		DELETE FROM orchestrator_stream_assignments
		WHERE status = 'active' AND stream_id = ANY($1::bigint[])`,
		streamIDs)
	if err != nil {
		return 0, fmt.Errorf("delete active assignments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) DeleteAllActive(ctx context.Context) (int, error) {
	tag, err := t.q.Exec(ctx,
		"DELETE FROM orchestrator_stream_assignments WHERE status = 'active'")
	if err != nil {
		return 0, fmt.Errorf("delete active assignments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ReleaseDuplicates(ctx context.Context, streamID int64, keepWorker string) (int, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE orchestrator_stream_assignments
		SET status = 'released'
		WHERE stream_id = $1 AND status = 'active' AND worker_id <> $2`,
		streamID, keepWorker)
	if err != nil {
		return 0, fmt.Errorf("release duplicates of stream %d: %w", streamID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) MarkUnassignedByWorker(ctx context.Context, workerID string) (int, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE orchestrator_stream_assignments
		SET status = 'unassigned'
		WHERE worker_id = $1 AND status = 'active'`,
		workerID)
	if err != nil {
		return 0, fmt.Errorf("unassign streams of %s: %w", workerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ListActiveAssignments(ctx context.Context) ([]fleet.Assignment, error) {
	rows, err := t.q.Query(ctx, `
		SELECT row_id, stream_id, worker_id, assigned_at, status
		FROM orchestrator_stream_assignments
		WHERE status = 'active'
		ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	defer rows.Close()

	var out []fleet.Assignment
	for rows.Next() {
		var a fleet.Assignment
		var status string
		if err := rows.Scan(&a.RowID, &a.StreamID, &a.WorkerID, &a.AssignedAt, &status); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Status = fleet.AssignmentStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListActiveByWorker(ctx context.Context, workerID string) ([]int64, error) {
	rows, err := t.q.Query(ctx, `
		SELECT stream_id FROM orchestrator_stream_assignments
		WHERE worker_id = $1 AND status = 'active'
		ORDER BY stream_id`,
		workerID)
	if err != nil {
		return nil, fmt.Errorf("list assignments of %s: %w", workerID, err)
	}
	defer rows.Close()
	return collectInt64(rows)
}

func (t *pgTx) AvailableStreams(ctx context.Context, limit int) ([]int64, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := t.q.Query(ctx, `
		SELECT s.id FROM streams s
		WHERE NOT EXISTS (
			SELECT 1 FROM orchestrator_stream_assignments a
			WHERE a.stream_id = s.id AND a.status = 'active'
		)
		ORDER BY s.id
		LIMIT NULLIF($1, 0)`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list available streams: %w", err)
	}
	defer rows.Close()
	return collectInt64(rows)
}

func (t *pgTx) CountStreams(ctx context.Context) (int, error) {
	var n int
	if err := t.q.QueryRow(ctx, "SELECT count(*) FROM streams").Scan(&n); err != nil {
		return 0, fmt.Errorf("count streams: %w", err)
	}
	return n, nil
}

func (t *pgTx) AppendRebalance(ctx context.Context, rec fleet.RebalanceRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orchestrator_rebalance_history
			(id, kind, reason, streams_moved, instances_affected, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Kind, rec.Reason, rec.StreamsMoved, rec.InstancesAffected, rec.At)
	if err != nil {
		return fmt.Errorf("append rebalance history: %w", err)
	}
	return nil
}

func (t *pgTx) ListRebalanceHistory(ctx context.Context, limit int) ([]fleet.RebalanceRecord, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := t.q.Query(ctx, `
		SELECT id, kind, reason, streams_moved, instances_affected, occurred_at
		FROM orchestrator_rebalance_history
		ORDER BY occurred_at DESC, id DESC
		LIMIT NULLIF($1, 0)`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list rebalance history: %w", err)
	}
	defer rows.Close()

	var out []fleet.RebalanceRecord
	for rows.Next() {
		var r fleet.RebalanceRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.Reason, &r.StreamsMoved, &r.InstancesAffected, &r.At); err != nil {
			return nil, fmt.Errorf("scan rebalance record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rebalance history: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertMetricsSample(ctx context.Context, s fleet.MetricsSample) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orchestrator_instance_metrics
			(worker_id, recorded_at, cpu_percent, memory_percent, disk_percent,
			 load_avg_1m, load_avg_5m, load_avg_15m, uptime_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.WorkerID, s.RecordedAt,
		s.Metrics.CPUPercent, s.Metrics.MemoryPercent, s.Metrics.DiskPercent,
		s.Metrics.LoadAvg1, s.Metrics.LoadAvg5, s.Metrics.LoadAvg15,
		s.Metrics.UptimeSeconds)
	if err != nil {
		return fmt.Errorf("insert metrics for %s: %w", s.WorkerID, err)
	}
	return nil
}

func (t *pgTx) ListMetricsSince(ctx context.Context, workerID string, since time.Time) ([]fleet.MetricsSample, error) {
	rows, err := t.q.Query(ctx, `
		SELECT worker_id, recorded_at, cpu_percent, memory_percent, disk_percent,
		       load_avg_1m, load_avg_5m, load_avg_15m, uptime_seconds
		FROM orchestrator_instance_metrics
		WHERE worker_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at`,
		workerID, since)
	if err != nil {
		return nil, fmt.Errorf("list metrics of %s: %w", workerID, err)
	}
	defer rows.Close()

	var out []fleet.MetricsSample
	for rows.Next() {
		var s fleet.MetricsSample
		if err := rows.Scan(&s.WorkerID, &s.RecordedAt,
			&s.Metrics.CPUPercent, &s.Metrics.MemoryPercent, &s.Metrics.DiskPercent,
			&s.Metrics.LoadAvg1, &s.Metrics.LoadAvg5, &s.Metrics.LoadAvg15,
			&s.Metrics.UptimeSeconds); err != nil {
			return nil, fmt.Errorf("scan metrics sample: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metrics of %s: %w", workerID, err)
	}
	return out, nil
}

func scanWorker(row pgx.Row) (fleet.Worker, error) {
	var w fleet.Worker
	var status string
	err := row.Scan(&w.ID, &w.Host, &w.Port, &w.Capacity, &w.Load, &status,
		&w.RegisteredAt, &w.LastHeartbeat)
	if err != nil {
		return fleet.Worker{}, err
	}
	w.Status = fleet.WorkerStatus(status)
	return w, nil
}

func collectInt64(rows pgx.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
