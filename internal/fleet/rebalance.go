package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/otel"
)

const (
	// DefaultImbalanceThreshold is the fractional deviation of the
	// most-loaded worker from the mean that triggers a full rebalance.
	DefaultImbalanceThreshold = 0.20
	// DefaultRebalancePeriod is how often the background evaluation runs.
	DefaultRebalancePeriod = 5 * time.Minute

	// rebalanceTolerance is the per-worker distance from target below
	// which a rebalance is skipped as already balanced.
	rebalanceTolerance = 1

	loopOpTimeout = 30 * time.Second
)

// Evaluation is the outcome of one imbalance check.
type Evaluation struct {
	ActiveWorkers int     `json:"active_workers"`
	TotalAssigned int     `json:"total_assigned"`
	MaxLoad       int     `json:"max_load"`
	MaxLoadWorker string  `json:"max_load_worker"`
	MeanLoad      float64 `json:"mean_load"`
	Threshold     float64 `json:"threshold"`
	Needed        bool    `json:"needed"`
	Reason        string  `json:"reason"`
}

// Rebalancer evaluates fleet imbalance and redistributes active assignments
// proportionally to capacity. It also runs a periodic background evaluation.
type Rebalancer struct {
	store     Store
	log       *zap.Logger
	obs       Observer
	tracer    *otel.Tracer
	threshold float64
	period    time.Duration
	nowFunc   func() time.Time

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewRebalancer creates a rebalancer. Non-positive threshold or period fall
// back to the defaults.
func NewRebalancer(store Store, threshold float64, period time.Duration, log *zap.Logger) *Rebalancer {
	if threshold <= 0 {
		threshold = DefaultImbalanceThreshold
	}
	if period <= 0 {
		period = DefaultRebalancePeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rebalancer{
		store:     store,
		log:       log,
		tracer:    otel.GetGlobalTracer(),
		threshold: threshold,
		period:    period,
		nowFunc:   time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// SetTracer replaces the tracer captured at construction.
func (b *Rebalancer) SetTracer(t *otel.Tracer) {
	if t != nil {
		b.tracer = t
	}
}

// Start begins the periodic evaluation loop in a background goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (b *Rebalancer) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.stoppedCh = make(chan struct{})
	b.mu.Unlock()

	go b.run()
}

// Stop halts the evaluation loop and blocks until the goroutine has exited.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (b *Rebalancer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	stoppedCh := b.stoppedCh
	b.mu.Unlock()

	<-stoppedCh
}

// IsRunning reports whether the evaluation loop is active.
func (b *Rebalancer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Rebalancer) run() {
	defer close(b.stoppedCh)

	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), loopOpTimeout)
			sctx, span := b.tracer.StartSpan(ctx, "fleet.rebalance_check")
			if _, _, err := b.MaybeRebalance(sctx, "periodic imbalance check"); err != nil {
				kind, retryable := traceKind(err)
				otel.RecordError(span, err, kind, retryable)
				b.log.Error("periodic rebalance failed", zap.Error(err))
			}
			span.End()
			cancel()
		case <-b.stopCh:
			return
		}
	}
}

// Evaluate reports whether the fleet currently needs a rebalance. Read-only.
func (b *Rebalancer) Evaluate(ctx context.Context) (Evaluation, error) {
	var ev Evaluation
	err := b.store.Txn(ctx, "rebalance_check", func(ctx context.Context, tx Tx) error {
		workers, err := tx.ListActiveWorkers(ctx)
		if err != nil {
			return err
		}
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		ev = b.evaluate(workers, assignments)
		return nil
	})
	return ev, err
}

func (b *Rebalancer) evaluate(workers []Worker, assignments []Assignment) Evaluation {
	ev := Evaluation{
		ActiveWorkers: len(workers),
		TotalAssigned: len(assignments),
		Threshold:     b.threshold,
	}
	if len(workers) <= 1 || len(assignments) == 0 {
		ev.Reason = "fewer than two active workers or no assigned streams"
		return ev
	}

	loads := countByWorker(assignments)
	for _, w := range workers {
		if l := loads[w.ID]; l > ev.MaxLoad {
			ev.MaxLoad = l
			ev.MaxLoadWorker = w.ID
		}
	}
	ev.MeanLoad = float64(len(assignments)) / float64(len(workers))

	limit := ev.MeanLoad * (1 + b.threshold)
	if float64(ev.MaxLoad) > limit {
		ev.Needed = true
		ev.Reason = fmt.Sprintf("max load %d on %s exceeds mean %.1f by more than %.0f%%",
			ev.MaxLoad, ev.MaxLoadWorker, ev.MeanLoad, b.threshold*100)
	} else {
		ev.Reason = fmt.Sprintf("max load %d within %.0f%% of mean %.1f",
			ev.MaxLoad, b.threshold*100, ev.MeanLoad)
	}
	return ev
}

// MaybeRebalance runs a full rebalance only if the imbalance trigger fires.
// The evaluation and the rebalance share one transaction so a concurrent
// registration cannot wedge between them.
func (b *Rebalancer) MaybeRebalance(ctx context.Context, cause string) (bool, RebalanceRecord, error) {
	var (
		fired bool
		rec   RebalanceRecord
	)
	err := b.store.Txn(ctx, "rebalance_auto", func(ctx context.Context, tx Tx) error {
		fired, rec = false, RebalanceRecord{}

		workers, err := tx.ListActiveWorkersForUpdate(ctx)
		if err != nil {
			return err
		}
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		ev := b.evaluate(workers, assignments)
		if !ev.Needed {
			return nil
		}
		fired = true
		rec, err = b.rebalanceLocked(ctx, tx, workers, assignments,
			RebalanceAutomatic, fmt.Sprintf("%s: %s", cause, ev.Reason))
		return err
	})
	if err != nil {
		return false, RebalanceRecord{}, err
	}
	if fired {
		if b.obs != nil {
			b.obs.RecordRebalance(rec.Kind, rec.StreamsMoved)
		}
		b.log.Info("automatic rebalance executed",
			zap.String("cause", cause),
			zap.Int("streams_moved", rec.StreamsMoved),
			zap.Int("instances_affected", rec.InstancesAffected))
	}
	return fired, rec, nil
}

// Rebalance runs an unconditional full rebalance and records it under the
// given kind and reason.
func (b *Rebalancer) Rebalance(ctx context.Context, kind, reason string) (RebalanceRecord, error) {
	var rec RebalanceRecord
	err := b.store.Txn(ctx, "rebalance_full", func(ctx context.Context, tx Tx) error {
		workers, err := tx.ListActiveWorkersForUpdate(ctx)
		if err != nil {
			return err
		}
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		rec, err = b.rebalanceLocked(ctx, tx, workers, assignments, kind, reason)
		return err
	})
	if err != nil {
		return RebalanceRecord{}, err
	}
	if b.obs != nil {
		b.obs.RecordRebalance(rec.Kind, rec.StreamsMoved)
	}
	b.log.Info("rebalance executed",
		zap.String("kind", rec.Kind),
		zap.String("reason", rec.Reason),
		zap.Int("streams_moved", rec.StreamsMoved),
		zap.Int("instances_affected", rec.InstancesAffected))
	return rec, nil
}

// History returns the most recent rebalance records, newest first.
func (b *Rebalancer) History(ctx context.Context, limit int) ([]RebalanceRecord, error) {
	var out []RebalanceRecord
	err := b.store.Txn(ctx, "rebalance_history", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListRebalanceHistory(ctx, limit)
		return err
	})
	return out, err
}

// rebalanceLocked redistributes the active assignments across the given
// workers proportionally to capacity. The caller holds the worker row locks.
// Streams are interchangeable: the current set is dropped and reinserted in
// ascending stream order against the per-worker targets, then loads are
// recomputed from the table.
func (b *Rebalancer) rebalanceLocked(ctx context.Context, tx Tx, workers []Worker, assignments []Assignment, kind, reason string) (RebalanceRecord, error) {
	now := b.nowFunc().UTC()
	rec := RebalanceRecord{
		ID:     uuid.NewString(),
		Kind:   kind,
		Reason: reason,
		At:     now,
	}

	if len(workers) == 0 || len(assignments) == 0 {
		if err := tx.AppendRebalance(ctx, rec); err != nil {
			return RebalanceRecord{}, err
		}
		return rec, nil
	}

	targets := proportionalTargets(workers, len(assignments))
	current := countByWorker(assignments)

	balanced := true
	for _, w := range workers {
		if diff := current[w.ID] - targets[w.ID]; diff > rebalanceTolerance || diff < -rebalanceTolerance {
			balanced = false
			break
		}
	}
	if balanced {
		if err := tx.AppendRebalance(ctx, rec); err != nil {
			return RebalanceRecord{}, err
		}
		return rec, nil
	}

	oldOwner := make(map[int64]string, len(assignments))
	streams := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		oldOwner[a.StreamID] = a.WorkerID
		streams = append(streams, a.StreamID)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })

	if _, err := tx.DeleteAllActive(ctx); err != nil {
		return RebalanceRecord{}, err
	}

	moved := 0
	affected := make(map[string]bool)
	next := 0
	for _, w := range workers {
		take := targets[w.ID]
		if take == 0 {
			continue
		}
		batch := streams[next : next+take]
		next += take
		if err := tx.InsertAssignments(ctx, batch, w.ID, now); err != nil {
			return RebalanceRecord{}, err
		}
		for _, s := range batch {
			if oldOwner[s] != w.ID {
				moved++
				affected[w.ID] = true
				affected[oldOwner[s]] = true
			}
		}
	}

	// Streams beyond the fleet's combined capacity cannot be re-homed;
	// park them as unassigned for a later sweep.
	for _, s := range streams[next:] {
		if err := tx.InsertUnassigned(ctx, s, oldOwner[s], now); err != nil {
			return RebalanceRecord{}, err
		}
	}

	if err := tx.RecomputeAllLoads(ctx); err != nil {
		return RebalanceRecord{}, err
	}

	rec.StreamsMoved = moved
	rec.InstancesAffected = len(affected)
	if err := tx.AppendRebalance(ctx, rec); err != nil {
		return RebalanceRecord{}, err
	}
	return rec, nil
}

// proportionalTargets splits total across workers in proportion to capacity,
// never exceeding any worker's capacity. A first pass hands out the floored
// proportional share; the remainder goes to the workers with the most spare
// target room. The targets sum to total (total never exceeds the combined
// capacity of active workers).
func proportionalTargets(workers []Worker, total int) map[string]int {
	targets := make(map[string]int, len(workers))
	totalCapacity := 0
	for _, w := range workers {
		totalCapacity += w.Capacity
	}
	if totalCapacity == 0 {
		for _, w := range workers {
			targets[w.ID] = 0
		}
		return targets
	}
	if total > totalCapacity {
		total = totalCapacity
	}

	remaining := total
	for _, w := range workers {
		share := total * w.Capacity / totalCapacity
		if share > w.Capacity {
			share = w.Capacity
		}
		if share > remaining {
			share = remaining
		}
		targets[w.ID] = share
		remaining -= share
	}
	if remaining == 0 {
		return targets
	}

	// Spread the rounding remainder one stream at a time over workers with
	// spare room, largest spare room first, worker id as tie-break. One at
	// a time keeps every load within one of the mean.
	type room struct {
		id    string
		spare int
	}
	rooms := make([]room, 0, len(workers))
	for _, w := range workers {
		if spare := w.Capacity - targets[w.ID]; spare > 0 {
			rooms = append(rooms, room{id: w.ID, spare: spare})
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].spare != rooms[j].spare {
			return rooms[i].spare > rooms[j].spare
		}
		return rooms[i].id < rooms[j].id
	})
	for remaining > 0 {
		progressed := false
		for i := range rooms {
			if remaining == 0 {
				break
			}
			if rooms[i].spare == 0 {
				continue
			}
			targets[rooms[i].id]++
			rooms[i].spare--
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return targets
}

func countByWorker(assignments []Assignment) map[string]int {
	counts := make(map[string]int)
	for _, a := range assignments {
		counts[a.WorkerID]++
	}
	return counts
}
