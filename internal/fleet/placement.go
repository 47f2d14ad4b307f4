package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Placer hands available streams to workers that ask for them.
type Placer struct {
	store   Store
	log     *zap.Logger
	obs     Observer
	nowFunc func() time.Time
}

// NewPlacer creates a placer over the given store.
func NewPlacer(store Store, log *zap.Logger) *Placer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Placer{store: store, log: log, nowFunc: time.Now}
}

// AssignTo places up to requested available streams on the worker and bumps
// its load, all in one transaction. Streams are taken in ascending id order.
// Returns ErrInactive for a worker that is not Active and ErrNoCapacity when
// it has no free slots; requested zero is a no-op.
func (p *Placer) AssignTo(ctx context.Context, workerID string, requested int) ([]int64, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	if requested < 0 {
		return nil, fmt.Errorf("%w: requested count must not be negative", ErrInvalid)
	}
	if requested == 0 {
		return nil, nil
	}

	now := p.nowFunc().UTC()
	start := time.Now()
	var assigned []int64
	err := p.store.Txn(ctx, "assign_streams", func(ctx context.Context, tx Tx) error {
		assigned = nil
		w, err := tx.GetWorkerForUpdate(ctx, workerID)
		if err != nil {
			return err
		}
		if w.Status != WorkerActive {
			return fmt.Errorf("worker %s: %w", workerID, ErrInactive)
		}
		if w.Remaining() <= 0 {
			return fmt.Errorf("worker %s at capacity %d: %w", workerID, w.Capacity, ErrNoCapacity)
		}
		assigned, err = placeAvailable(ctx, tx, w, requested, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.obs != nil {
		p.obs.ObservePlacement(time.Since(start), len(assigned))
	}

	if len(assigned) > 0 {
		p.log.Info("streams assigned",
			zap.String("worker_id", workerID),
			zap.Int("requested", requested),
			zap.Int("assigned", len(assigned)))
	}
	return assigned, nil
}

// Release removes the given active assignments of the worker and lowers its
// load by the number of rows actually deleted. Streams the worker does not
// hold are skipped silently.
func (p *Placer) Release(ctx context.Context, workerID string, streamIDs []int64) (int, error) {
	if workerID == "" {
		return 0, fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	if len(streamIDs) == 0 {
		return 0, nil
	}

	var released int
	err := p.store.Txn(ctx, "release_streams", func(ctx context.Context, tx Tx) error {
		released = 0
		w, err := tx.GetWorkerForUpdate(ctx, workerID)
		switch {
		case errors.Is(err, ErrNotFound):
			// The worker row is gone but its rows may linger; clean them
			// up without touching any load counter.
			released, err = tx.DeleteActiveByWorkerAndStreams(ctx, workerID, streamIDs)
			return err
		case err != nil:
			return err
		}

		released, err = tx.DeleteActiveByWorkerAndStreams(ctx, workerID, streamIDs)
		if err != nil {
			return err
		}
		load := w.Load - released
		if load < 0 {
			load = 0
		}
		return tx.SetWorkerLoad(ctx, workerID, load)
	})
	if err != nil {
		return 0, err
	}

	if released > 0 {
		p.log.Info("streams released",
			zap.String("worker_id", workerID),
			zap.Int("released", released))
	}
	return released, nil
}

// placeAvailable assigns up to requested available streams to the worker
// inside the caller's transaction, respecting free slots, and persists the
// new load. Returns the assigned stream ids in ascending order.
func placeAvailable(ctx context.Context, tx Tx, w Worker, requested int, at time.Time) ([]int64, error) {
	limit := w.Remaining()
	if requested < limit {
		limit = requested
	}
	if limit <= 0 {
		return nil, nil
	}

	streams, err := tx.AvailableStreams(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	if err := tx.InsertAssignments(ctx, streams, w.ID, at); err != nil {
		return nil, err
	}
	if err := tx.SetWorkerLoad(ctx, w.ID, w.Load+len(streams)); err != nil {
		return nil, err
	}
	return streams, nil
}
