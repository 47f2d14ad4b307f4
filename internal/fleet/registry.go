package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// reassignBatchLimit caps how many available streams a re-registration pulls
// back in one pass. The rest flow through normal assignment requests.
const reassignBatchLimit = 50

// Registry owns the worker lifecycle: registration, heartbeats and stale
// detection.
type Registry struct {
	store   Store
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, log: log, nowFunc: time.Now}
}

// Register upserts the worker as Active with zero load and a fresh
// heartbeat. A known id is a re-registration: its prior active assignments
// are removed in the same transaction and available streams are placed back
// onto the worker immediately.
func (r *Registry) Register(ctx context.Context, id, host string, port, capacity int) (RegisterOutcome, error) {
	switch {
	case id == "":
		return RegisterOutcome{}, fmt.Errorf("%w: worker id required", ErrInvalid)
	case capacity < 0:
		return RegisterOutcome{}, fmt.Errorf("%w: capacity must not be negative", ErrInvalid)
	case port < 0 || port > 65535:
		return RegisterOutcome{}, fmt.Errorf("%w: port %d out of range", ErrInvalid, port)
	}

	now := r.nowFunc().UTC()
	var out RegisterOutcome
	err := r.store.Txn(ctx, "register", func(ctx context.Context, tx Tx) error {
		out = RegisterOutcome{}
		existed, err := tx.UpsertWorker(ctx, Worker{
			ID:            id,
			Host:          host,
			Port:          port,
			Capacity:      capacity,
			Status:        WorkerActive,
			RegisteredAt:  now,
			LastHeartbeat: now,
		})
		if err != nil {
			return err
		}
		out.WasReregistration = existed
		if !existed {
			return nil
		}

		released, err := tx.DeleteActiveByWorker(ctx, id)
		if err != nil {
			return err
		}
		out.ReleasedStreams = released
		if released == 0 {
			return nil
		}

		reassigned, err := placeAvailable(ctx, tx, Worker{ID: id, Capacity: capacity}, reassignBatchLimit, now)
		if err != nil {
			return err
		}
		out.Reassigned = reassigned
		return nil
	})
	if err != nil {
		return RegisterOutcome{}, err
	}

	if out.WasReregistration {
		r.log.Info("worker re-registered",
			zap.String("worker_id", id),
			zap.Int("capacity", capacity),
			zap.Int("released", out.ReleasedStreams),
			zap.Int("reassigned", len(out.Reassigned)))
	} else {
		r.log.Info("worker registered",
			zap.String("worker_id", id),
			zap.String("host", host),
			zap.Int("port", port),
			zap.Int("capacity", capacity))
	}
	return out, nil
}

// Heartbeat records the worker's self-reported load and status. The metrics
// sample, when present, is stored best-effort in a follow-up transaction so
// a malformed sample cannot fail the heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, id string, load int, status WorkerStatus, metrics *SystemMetrics) error {
	if id == "" {
		return fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	if load < 0 {
		return fmt.Errorf("%w: load must not be negative", ErrInvalid)
	}
	if status == "" {
		status = WorkerActive
	}
	if status != WorkerActive && status != WorkerInactive {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}

	now := r.nowFunc().UTC()
	err := r.store.Txn(ctx, "heartbeat", func(ctx context.Context, tx Tx) error {
		return tx.RecordHeartbeat(ctx, id, load, status, now)
	})
	if err != nil {
		return err
	}

	if metrics != nil {
		sample := MetricsSample{WorkerID: id, RecordedAt: now, Metrics: *metrics}
		merr := r.store.Txn(ctx, "heartbeat_metrics", func(ctx context.Context, tx Tx) error {
			return tx.InsertMetricsSample(ctx, sample)
		})
		if merr != nil {
			r.log.Warn("metrics sample not stored",
				zap.String("worker_id", id), zap.Error(merr))
		}
	}
	return nil
}

// MarkStale flips Active workers whose last heartbeat is older than cutoff
// to Inactive and returns their ids.
func (r *Registry) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.store.Txn(ctx, "mark_stale", func(ctx context.Context, tx Tx) error {
		var err error
		ids, err = tx.MarkStaleWorkers(ctx, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.log.Warn("marked stale workers inactive",
			zap.Strings("worker_ids", ids),
			zap.Time("cutoff", cutoff))
	}
	return ids, nil
}

// Get returns the worker row and its active stream ids.
func (r *Registry) Get(ctx context.Context, id string) (Worker, []int64, error) {
	if id == "" {
		return Worker{}, nil, fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	var (
		w       Worker
		streams []int64
	)
	err := r.store.Txn(ctx, "get_worker", func(ctx context.Context, tx Tx) error {
		var err error
		if w, err = tx.GetWorker(ctx, id); err != nil {
			return err
		}
		streams, err = tx.ListActiveByWorker(ctx, id)
		return err
	})
	if err != nil {
		return Worker{}, nil, err
	}
	return w, streams, nil
}

// List returns every worker row.
func (r *Registry) List(ctx context.Context) ([]Worker, error) {
	var out []Worker
	err := r.store.Txn(ctx, "list_workers", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListWorkers(ctx)
		return err
	})
	return out, err
}

// ListActive returns Active workers ordered by id.
func (r *Registry) ListActive(ctx context.Context) ([]Worker, error) {
	var out []Worker
	err := r.store.Txn(ctx, "list_active_workers", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListActiveWorkers(ctx)
		return err
	})
	return out, err
}

// Remove deletes the worker row. Its active assignments are marked
// Unassigned first; they surface as available and flow back out through
// assignment requests and registrations.
func (r *Registry) Remove(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	var unassigned int
	err := r.store.Txn(ctx, "remove_worker", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetWorkerForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := tx.MarkUnassignedByWorker(ctx, id)
		if err != nil {
			return err
		}
		unassigned = n
		return tx.DeleteWorker(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("worker removed",
		zap.String("worker_id", id),
		zap.Int("unassigned", unassigned))
	return unassigned, nil
}

// MetricsSince returns the worker's stored heartbeat metrics recorded at or
// after since.
func (r *Registry) MetricsSince(ctx context.Context, id string, since time.Time) ([]MetricsSample, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	var out []MetricsSample
	err := r.store.Txn(ctx, "worker_metrics", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetWorker(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.ListMetricsSince(ctx, id, since)
		return err
	})
	return out, err
}
