package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/fleet"
)

// repairAll walks the report's issues and fixes what the attempt
// budget allows. Fleet-wide triggers run at most once per cycle.
func (r *Reconciler) repairAll(ctx context.Context, report Report) []RepairResult {
	var results []RepairResult

	for _, is := range report.StreamIssues {
		res := RepairResult{Issue: is}
		if !r.shouldAttempt(is) {
			res.Action = "attempt budget exhausted"
			results = append(results, res)
			continue
		}
		r.recordAttempt(is)
		res.Attempted = true

		var (
			action string
			err    error
		)
		switch is.Kind {
		case KindOrphaned:
			action, err = r.repairOrphaned(ctx, is)
		case KindDuplicate:
			action, err = r.repairDuplicate(ctx, is)
		case KindUnauthorized:
			action, err = r.repairUnauthorized(ctx, is)
		}
		res.Action = action
		if err != nil {
			res.Error = err.Error()
			r.log.Warn("stream repair failed",
				zap.String("kind", string(is.Kind)),
				zap.Int64("stream_id", is.StreamID),
				zap.Error(err))
		} else {
			res.Repaired = true
			r.clearAttempts(is)
		}
		results = append(results, res)
	}

	sweepDone, rebalanceDone := false, false
	for _, is := range report.InstanceIssues {
		res := RepairResult{Issue: is}
		if !r.shouldAttempt(is) {
			res.Action = "attempt budget exhausted"
			results = append(results, res)
			continue
		}

		var (
			action string
			err    error
			ran    = true
		)
		switch is.Kind {
		case KindStateMismatch:
			r.recordAttempt(is)
			action, err = r.repairStateMismatch(ctx, is)
		case KindHeartbeatTimeout:
			if r.failover == nil {
				action, ran = "no failover controller wired", false
				break
			}
			if sweepDone {
				action = "covered by this cycle's failover sweep"
				break
			}
			r.recordAttempt(is)
			sweepDone = true
			action, err = r.triggerFailover(ctx)
		case KindLoadImbalance:
			if r.rebalancer == nil {
				action, ran = "no rebalancer wired", false
				break
			}
			if rebalanceDone {
				action = "covered by this cycle's rebalance"
				break
			}
			r.recordAttempt(is)
			rebalanceDone = true
			action, err = r.triggerRebalance(ctx)
		}
		res.Attempted = ran
		res.Action = action
		if err != nil {
			res.Error = err.Error()
			r.log.Warn("instance repair failed",
				zap.String("kind", string(is.Kind)),
				zap.String("worker_id", is.WorkerID),
				zap.Error(err))
		} else if ran {
			res.Repaired = true
			r.clearAttempts(is)
		}
		results = append(results, res)
	}
	return results
}

// shouldAttempt applies the per-issue budget: hard cap for everyone,
// critical issues keep trying until the cap, others give up earlier.
func (r *Reconciler) shouldAttempt(is Issue) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.attempts[is.key()]
	if n >= r.cfg.MaxAttempts {
		return false
	}
	if is.Severity == SeverityCritical {
		return true
	}
	return n < 2
}

func (r *Reconciler) recordAttempt(is Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[is.key()]++
}

func (r *Reconciler) clearAttempts(is Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, is.key())
}

// repairOrphaned moves one orphaned stream to the least-loaded active
// worker with room, or parks it unassigned when the fleet is full.
func (r *Reconciler) repairOrphaned(ctx context.Context, is Issue) (string, error) {
	now := r.nowFunc()
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)

	var action string
	err := r.store.Txn(ctx, "repair_orphan", func(ctx context.Context, tx fleet.Tx) error {
		workers, err := tx.ListActiveWorkersForUpdate(ctx)
		if err != nil {
			return err
		}
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}

		counts := make(map[string]int, len(workers))
		var row *fleet.Assignment
		for i, a := range assignments {
			counts[a.WorkerID]++
			if a.StreamID == is.StreamID {
				row = &assignments[i]
			}
		}
		if row == nil {
			action = "assignment already gone"
			return nil
		}
		for _, w := range workers {
			if w.ID == row.WorkerID && !w.Stale(cutoff) {
				action = "owner recovered"
				return nil
			}
		}

		if _, err := tx.DeleteActiveByStreams(ctx, []int64{is.StreamID}); err != nil {
			return err
		}
		var target *fleet.Worker
		for i := range workers {
			w := &workers[i]
			if w.Stale(cutoff) || counts[w.ID] >= w.Capacity {
				continue
			}
			if target == nil || counts[w.ID] < counts[target.ID] ||
				(counts[w.ID] == counts[target.ID] && w.ID < target.ID) {
				target = w
			}
		}
		if target == nil {
			if err := tx.InsertUnassigned(ctx, is.StreamID, row.WorkerID, now); err != nil {
				return err
			}
			action = "no capacity available, parked unassigned"
			return nil
		}
		if err := tx.InsertAssignment(ctx, is.StreamID, target.ID, now); err != nil {
			return err
		}
		if _, err := tx.RecomputeLoad(ctx, target.ID); err != nil {
			return err
		}
		if _, err := tx.RecomputeLoad(ctx, row.WorkerID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
		action = fmt.Sprintf("reassigned to %s", target.ID)
		return nil
	})
	return action, err
}

// repairDuplicate keeps the earliest active row for the stream and
// releases the rest.
func (r *Reconciler) repairDuplicate(ctx context.Context, is Issue) (string, error) {
	var action string
	err := r.store.Txn(ctx, "repair_duplicate", func(ctx context.Context, tx fleet.Tx) error {
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		var rows []fleet.Assignment
		for _, a := range assignments {
			if a.StreamID == is.StreamID {
				rows = append(rows, a)
			}
		}
		if len(rows) < 2 {
			action = "duplicate already resolved"
			return nil
		}

		// Earliest assignment wins; row id breaks exact ties.
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].AssignedAt.Equal(rows[j].AssignedAt) {
				return rows[i].RowID < rows[j].RowID
			}
			return rows[i].AssignedAt.Before(rows[j].AssignedAt)
		})
		keep := rows[0]

		released, err := tx.ReleaseDuplicates(ctx, is.StreamID, keep.WorkerID)
		if err != nil {
			return err
		}
		touched := make(map[string]bool)
		for _, a := range rows[1:] {
			touched[a.WorkerID] = true
		}
		ids := make([]string, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if _, err := tx.RecomputeLoad(ctx, id); err != nil && !errors.Is(err, fleet.ErrNotFound) {
				return err
			}
		}
		action = fmt.Sprintf("kept %s, released %d rows", keep.WorkerID, released)
		return nil
	})
	return action, err
}

// repairUnauthorized either legitimises the stream on the reporting
// worker or leaves the table authoritative so the worker drops it.
func (r *Reconciler) repairUnauthorized(ctx context.Context, is Issue) (string, error) {
	now := r.nowFunc()
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)

	var action string
	err := r.store.Txn(ctx, "repair_unauthorized", func(ctx context.Context, tx fleet.Tx) error {
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			if a.StreamID != is.StreamID {
				continue
			}
			if a.WorkerID == is.WorkerID {
				action = "assignment already recorded"
			} else {
				action = fmt.Sprintf("stream belongs to %s, worker must drop it", a.WorkerID)
			}
			return nil
		}

		w, err := tx.GetWorkerForUpdate(ctx, is.WorkerID)
		if err != nil {
			if errors.Is(err, fleet.ErrNotFound) {
				action = "reporting worker is gone, stream stays unrecorded"
				return nil
			}
			return err
		}
		if w.Status != fleet.WorkerActive || w.Stale(cutoff) || w.Load >= w.Capacity {
			action = "worker cannot keep the stream, it must drop it"
			return nil
		}
		if err := tx.InsertAssignment(ctx, is.StreamID, is.WorkerID, now); err != nil {
			return err
		}
		if _, err := tx.RecomputeLoad(ctx, is.WorkerID); err != nil {
			return err
		}
		action = "assignment recorded for the reporting worker"
		return nil
	})
	return action, err
}

// repairStateMismatch recounts the worker's active rows into its load
// column.
func (r *Reconciler) repairStateMismatch(ctx context.Context, is Issue) (string, error) {
	var load int
	err := r.store.Txn(ctx, "repair_state_mismatch", func(ctx context.Context, tx fleet.Tx) error {
		var err error
		load, err = tx.RecomputeLoad(ctx, is.WorkerID)
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("load recomputed to %d", load), nil
}

func (r *Reconciler) triggerFailover(ctx context.Context) (string, error) {
	res, err := r.failover.Sweep(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("failover sweep re-homed %d of %d orphaned streams", res.Reassigned, res.Orphaned), nil
}

func (r *Reconciler) triggerRebalance(ctx context.Context) (string, error) {
	fired, rec, err := r.rebalancer.MaybeRebalance(ctx, "reconciler detected load imbalance")
	if err != nil {
		return "", err
	}
	if !fired {
		return "imbalance cleared before the rebalance ran", nil
	}
	return fmt.Sprintf("rebalance moved %d streams", rec.StreamsMoved), nil
}
