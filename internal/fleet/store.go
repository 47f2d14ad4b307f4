package fleet

import (
	"context"
	"time"
)

// Store runs labelled transactional operations against the orchestrator
// tables. Implementations retry retryable failures (deadlocks, lock
// timeouts, dropped connections) internally; an error returned from Txn is
// either the fn's own error or ErrUnavailable after the retry budget is
// spent. The label names the call site for transaction diagnostics.
type Store interface {
	Txn(ctx context.Context, label string, fn func(context.Context, Tx) error) error
}

// Tx is the set of row operations available inside one transaction. Methods
// that take locks follow a stable order: instance rows by id, then
// assignment rows by stream id.
type Tx interface {
	// UpsertWorker inserts the worker or, if the id exists, resets the row
	// to the given address, capacity, status Active, load 0 and a fresh
	// heartbeat. Reports whether the id already existed.
	UpsertWorker(ctx context.Context, w Worker) (existed bool, err error)

	// GetWorker returns the worker row or ErrNotFound.
	GetWorker(ctx context.Context, id string) (Worker, error)

	// GetWorkerForUpdate is GetWorker with a row lock held until commit.
	GetWorkerForUpdate(ctx context.Context, id string) (Worker, error)

	// ListWorkers returns every worker row ordered by id.
	ListWorkers(ctx context.Context) ([]Worker, error)

	// ListActiveWorkers returns Active workers ordered by id.
	ListActiveWorkers(ctx context.Context) ([]Worker, error)

	// ListActiveWorkersForUpdate is ListActiveWorkers with row locks held
	// until commit.
	ListActiveWorkersForUpdate(ctx context.Context) ([]Worker, error)

	// RecordHeartbeat updates load, status and last heartbeat for the
	// worker. The heartbeat timestamp only moves forward. Returns
	// ErrNotFound for an unknown id.
	RecordHeartbeat(ctx context.Context, id string, load int, status WorkerStatus, at time.Time) error

	// MarkStaleWorkers flips Active workers whose last heartbeat is older
	// than cutoff to Inactive and returns the affected ids.
	MarkStaleWorkers(ctx context.Context, cutoff time.Time) ([]string, error)

	// SetWorkerStatus overwrites the lifecycle state. Returns ErrNotFound
	// for an unknown id.
	SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error

	// SetWorkerLoad overwrites the stored load.
	SetWorkerLoad(ctx context.Context, id string, load int) error

	// RecomputeLoad sets the worker's load to its count of Active
	// assignments and returns the new value.
	RecomputeLoad(ctx context.Context, id string) (int, error)

	// RecomputeAllLoads recomputes load from the assignment table for
	// every worker.
	RecomputeAllLoads(ctx context.Context) error

	// DeleteWorker removes the worker row. Assignment rows are left to the
	// caller; release or re-home them first.
	DeleteWorker(ctx context.Context, id string) error

	// InsertAssignment creates one Active row. Returns ErrAlreadyAssigned
	// when the stream already has an Active row.
	InsertAssignment(ctx context.Context, streamID int64, workerID string, at time.Time) error

	// InsertAssignments creates Active rows for every stream in order.
	// Fails on the first conflict with ErrAlreadyAssigned.
	InsertAssignments(ctx context.Context, streamIDs []int64, workerID string, at time.Time) error

	// InsertUnassigned records a stream that could not be placed. The row
	// keeps the last worker id for audit and carries status Unassigned.
	InsertUnassigned(ctx context.Context, streamID int64, workerID string, at time.Time) error

	// DeleteActiveByWorker removes every Active row for the worker and
	// returns how many were removed.
	DeleteActiveByWorker(ctx context.Context, workerID string) (int, error)

	// DeleteActiveByWorkerAndStreams removes Active rows for the worker
	// restricted to the given streams. Missing rows are skipped.
	DeleteActiveByWorkerAndStreams(ctx context.Context, workerID string, streamIDs []int64) (int, error)

	// DeleteActiveByStreams removes Active rows for the given streams
	// regardless of worker.
	DeleteActiveByStreams(ctx context.Context, streamIDs []int64) (int, error)

	// DeleteAllActive clears the Active assignment set.
	DeleteAllActive(ctx context.Context) (int, error)

	// ReleaseDuplicates marks Active rows for the stream that do not point
	// at keepWorker as Released and returns how many were demoted.
	ReleaseDuplicates(ctx context.Context, streamID int64, keepWorker string) (int, error)

	// MarkUnassignedByWorker flips every Active row of the worker to
	// Unassigned and returns how many changed.
	MarkUnassignedByWorker(ctx context.Context, workerID string) (int, error)

	// ListActiveAssignments returns Active rows ordered by stream id.
	ListActiveAssignments(ctx context.Context) ([]Assignment, error)

	// ListActiveByWorker returns the stream ids actively assigned to the
	// worker, ascending.
	ListActiveByWorker(ctx context.Context, workerID string) ([]int64, error)

	// AvailableStreams returns catalog stream ids with no Active
	// assignment, ascending, at most limit (no limit when limit <= 0).
	AvailableStreams(ctx context.Context, limit int) ([]int64, error)

	// CountStreams returns the catalog size.
	CountStreams(ctx context.Context) (int, error)

	// AppendRebalance adds a rebalance history entry.
	AppendRebalance(ctx context.Context, rec RebalanceRecord) error

	// ListRebalanceHistory returns the most recent entries, newest first.
	ListRebalanceHistory(ctx context.Context, limit int) ([]RebalanceRecord, error)

	// InsertMetricsSample appends one heartbeat metrics row.
	InsertMetricsSample(ctx context.Context, s MetricsSample) error

	// ListMetricsSince returns metrics rows for the worker recorded at or
	// after since, oldest first.
	ListMetricsSince(ctx context.Context, workerID string, since time.Time) ([]MetricsSample, error)
}
