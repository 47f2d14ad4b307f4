// Package fleettest provides an in-memory fleet.Store for tests. It keeps
// the same semantics as the PostgreSQL layer where they matter: one active
// row per stream on insert, rollback of every mutation when the
// transactional operation fails, and the documented orderings. Unlike the
// real store it allows injecting invariant-violating rows so repair paths
// can be exercised.
package fleettest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soundfleet/conductor/internal/fleet"
)

// Store is an in-memory fleet.Store.
type Store struct {
	mu          sync.Mutex
	workers     map[string]fleet.Worker
	assignments []fleet.Assignment
	streams     []int64
	history     []fleet.RebalanceRecord
	samples     []fleet.MetricsSample
	nextRow     int64

	// FailNext, when set, fails the next Txn before fn runs and clears
	// itself. Lets tests simulate an unavailable store. When FailOn is
	// also set, only a Txn with that label trips it.
	FailNext error
	FailOn   string

	// Labels records every Txn label in call order.
	Labels []string
}

// New creates an empty store.
func New() *Store {
	return &Store{workers: make(map[string]fleet.Worker)}
}

// Txn implements fleet.Store. The fn's mutations are rolled back when it
// returns an error.
func (s *Store) Txn(ctx context.Context, label string, fn func(context.Context, fleet.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Labels = append(s.Labels, label)
	if s.FailNext != nil && (s.FailOn == "" || s.FailOn == label) {
		err := s.FailNext
		s.FailNext = nil
		return err
	}

	snap := s.snapshotLocked()
	if err := fn(ctx, &tx{s: s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type snapshot struct {
	workers     map[string]fleet.Worker
	assignments []fleet.Assignment
	streams     []int64
	history     []fleet.RebalanceRecord
	samples     []fleet.MetricsSample
	nextRow     int64
}

func (s *Store) snapshotLocked() snapshot {
	w := make(map[string]fleet.Worker, len(s.workers))
	for k, v := range s.workers {
		w[k] = v
	}
	return snapshot{
		workers:     w,
		assignments: append([]fleet.Assignment(nil), s.assignments...),
		streams:     append([]int64(nil), s.streams...),
		history:     append([]fleet.RebalanceRecord(nil), s.history...),
		samples:     append([]fleet.MetricsSample(nil), s.samples...),
		nextRow:     s.nextRow,
	}
}

func (s *Store) restoreLocked(snap snapshot) {
	s.workers = snap.workers
	s.assignments = snap.assignments
	s.streams = snap.streams
	s.history = snap.history
	s.samples = snap.samples
	s.nextRow = snap.nextRow
}

// SetCatalog replaces the stream catalog.
func (s *Store) SetCatalog(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append([]int64(nil), ids...)
}

// SeedWorker inserts or replaces a worker row verbatim.
func (s *Store) SeedWorker(w fleet.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

// Worker returns a copy of the worker row.
func (s *Store) Worker(id string) (fleet.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// InjectActive appends an active assignment row without the one-per-stream
// check, so tests can create duplicates and orphans.
func (s *Store) InjectActive(streamID int64, workerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRow++
	s.assignments = append(s.assignments, fleet.Assignment{
		RowID:      s.nextRow,
		StreamID:   streamID,
		WorkerID:   workerID,
		AssignedAt: at,
		Status:     fleet.AssignmentActive,
	})
}

// Assignments returns a copy of every assignment row, any status.
func (s *Store) Assignments() []fleet.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fleet.Assignment(nil), s.assignments...)
}

// ActiveByWorker counts active rows per worker.
func (s *Store) ActiveByWorker() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, a := range s.assignments {
		if a.Status == fleet.AssignmentActive {
			counts[a.WorkerID]++
		}
	}
	return counts
}

// History returns a copy of the rebalance history, oldest first.
func (s *Store) History() []fleet.RebalanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fleet.RebalanceRecord(nil), s.history...)
}

// Samples returns a copy of the stored metrics samples.
func (s *Store) Samples() []fleet.MetricsSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fleet.MetricsSample(nil), s.samples...)
}

type tx struct {
	s *Store
}

func (t *tx) UpsertWorker(_ context.Context, w fleet.Worker) (bool, error) {
	prev, existed := t.s.workers[w.ID]
	if existed {
		w.RegisteredAt = prev.RegisteredAt
	}
	w.Status = fleet.WorkerActive
	w.Load = 0
	t.s.workers[w.ID] = w
	return existed, nil
}

func (t *tx) GetWorker(_ context.Context, id string) (fleet.Worker, error) {
	w, ok := t.s.workers[id]
	if !ok {
		return fleet.Worker{}, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return w, nil
}

func (t *tx) GetWorkerForUpdate(ctx context.Context, id string) (fleet.Worker, error) {
	return t.GetWorker(ctx, id)
}

func (t *tx) ListWorkers(context.Context) ([]fleet.Worker, error) {
	return t.listWorkers(func(fleet.Worker) bool { return true }), nil
}

func (t *tx) ListActiveWorkers(context.Context) ([]fleet.Worker, error) {
	return t.listWorkers(func(w fleet.Worker) bool { return w.Status == fleet.WorkerActive }), nil
}

func (t *tx) ListActiveWorkersForUpdate(ctx context.Context) ([]fleet.Worker, error) {
	return t.ListActiveWorkers(ctx)
}

func (t *tx) listWorkers(keep func(fleet.Worker) bool) []fleet.Worker {
	ids := make([]string, 0, len(t.s.workers))
	for id := range t.s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []fleet.Worker
	for _, id := range ids {
		if w := t.s.workers[id]; keep(w) {
			out = append(out, w)
		}
	}
	return out
}

func (t *tx) RecordHeartbeat(_ context.Context, id string, load int, status fleet.WorkerStatus, at time.Time) error {
	w, ok := t.s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	w.Load = load
	w.Status = status
	if at.After(w.LastHeartbeat) {
		w.LastHeartbeat = at
	}
	t.s.workers[id] = w
	return nil
}

func (t *tx) MarkStaleWorkers(_ context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	for id, w := range t.s.workers {
		if w.Status == fleet.WorkerActive && w.LastHeartbeat.Before(cutoff) {
			w.Status = fleet.WorkerInactive
			t.s.workers[id] = w
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *tx) SetWorkerStatus(_ context.Context, id string, status fleet.WorkerStatus) error {
	w, ok := t.s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	w.Status = status
	t.s.workers[id] = w
	return nil
}

func (t *tx) SetWorkerLoad(_ context.Context, id string, load int) error {
	w, ok := t.s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	w.Load = load
	t.s.workers[id] = w
	return nil
}

func (t *tx) RecomputeLoad(ctx context.Context, id string) (int, error) {
	w, ok := t.s.workers[id]
	if !ok {
		return 0, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	load := 0
	for _, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive && a.WorkerID == id {
			load++
		}
	}
	w.Load = load
	t.s.workers[id] = w
	return load, nil
}

func (t *tx) RecomputeAllLoads(ctx context.Context) error {
	for id := range t.s.workers {
		if _, err := t.RecomputeLoad(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) DeleteWorker(_ context.Context, id string) error {
	if _, ok := t.s.workers[id]; !ok {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	delete(t.s.workers, id)
	return nil
}

func (t *tx) InsertAssignment(_ context.Context, streamID int64, workerID string, at time.Time) error {
	for _, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive && a.StreamID == streamID {
			return fmt.Errorf("stream %d: %w", streamID, fleet.ErrAlreadyAssigned)
		}
	}
	t.s.nextRow++
	t.s.assignments = append(t.s.assignments, fleet.Assignment{
		RowID:      t.s.nextRow,
		StreamID:   streamID,
		WorkerID:   workerID,
		AssignedAt: at,
		Status:     fleet.AssignmentActive,
	})
	return nil
}

func (t *tx) InsertAssignments(ctx context.Context, streamIDs []int64, workerID string, at time.Time) error {
	for _, id := range streamIDs {
		if err := t.InsertAssignment(ctx, id, workerID, at); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) InsertUnassigned(_ context.Context, streamID int64, workerID string, at time.Time) error {
	t.s.nextRow++
	t.s.assignments = append(t.s.assignments, fleet.Assignment{
		RowID:      t.s.nextRow,
		StreamID:   streamID,
		WorkerID:   workerID,
		AssignedAt: at,
		Status:     fleet.AssignmentUnassigned,
	})
	return nil
}

func (t *tx) DeleteActiveByWorker(_ context.Context, workerID string) (int, error) {
	return t.deleteActive(func(a fleet.Assignment) bool { return a.WorkerID == workerID }), nil
}

func (t *tx) DeleteActiveByWorkerAndStreams(_ context.Context, workerID string, streamIDs []int64) (int, error) {
	set := int64Set(streamIDs)
	return t.deleteActive(func(a fleet.Assignment) bool {
		return a.WorkerID == workerID && set[a.StreamID]
	}), nil
}

func (t *tx) DeleteActiveByStreams(_ context.Context, streamIDs []int64) (int, error) {
	set := int64Set(streamIDs)
	return t.deleteActive(func(a fleet.Assignment) bool { return set[a.StreamID] }), nil
}

func (t *tx) DeleteAllActive(context.Context) (int, error) {
	return t.deleteActive(func(fleet.Assignment) bool { return true }), nil
}

func (t *tx) deleteActive(match func(fleet.Assignment) bool) int {
	kept := t.s.assignments[:0]
	deleted := 0
	for _, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive && match(a) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	t.s.assignments = kept
	return deleted
}

func (t *tx) ReleaseDuplicates(_ context.Context, streamID int64, keepWorker string) (int, error) {
	released := 0
	for i, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive && a.StreamID == streamID && a.WorkerID != keepWorker {
			t.s.assignments[i].Status = fleet.AssignmentReleased
			released++
		}
	}
	return released, nil
}

func (t *tx) MarkUnassignedByWorker(_ context.Context, workerID string) (int, error) {
	changed := 0
	for i, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive && a.WorkerID == workerID {
			t.s.assignments[i].Status = fleet.AssignmentUnassigned
			changed++
		}
	}
	return changed, nil
}

func (t *tx) ListActiveAssignments(context.Context) ([]fleet.Assignment, error) {
	var out []fleet.Assignment
	for _, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

func (t *tx) ListActiveByWorker(_ context.Context, workerID string) ([]int64, error) {
	var out []int64
	for _, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive && a.WorkerID == workerID {
			out = append(out, a.StreamID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *tx) AvailableStreams(_ context.Context, limit int) ([]int64, error) {
	taken := make(map[int64]bool)
	for _, a := range t.s.assignments {
		if a.Status == fleet.AssignmentActive {
			taken[a.StreamID] = true
		}
	}
	ids := append([]int64(nil), t.s.streams...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []int64
	for _, id := range ids {
		if taken[id] {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *tx) CountStreams(context.Context) (int, error) {
	return len(t.s.streams), nil
}

func (t *tx) AppendRebalance(_ context.Context, rec fleet.RebalanceRecord) error {
	t.s.history = append(t.s.history, rec)
	return nil
}

func (t *tx) ListRebalanceHistory(_ context.Context, limit int) ([]fleet.RebalanceRecord, error) {
	n := len(t.s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]fleet.RebalanceRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.s.history[i])
	}
	return out, nil
}

func (t *tx) InsertMetricsSample(_ context.Context, s fleet.MetricsSample) error {
	t.s.samples = append(t.s.samples, s)
	return nil
}

func (t *tx) ListMetricsSince(_ context.Context, workerID string, since time.Time) ([]fleet.MetricsSample, error) {
	var out []fleet.MetricsSample
	for _, s := range t.s.samples {
		if s.WorkerID == workerID && !s.RecordedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func int64Set(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
