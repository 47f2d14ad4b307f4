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
	// DefaultHeartbeatTimeout is the staleness threshold for workers.
	DefaultHeartbeatTimeout = 5 * time.Minute
	// DefaultFailoverPeriod is how often the orphan sweep runs.
	DefaultFailoverPeriod = 10 * time.Second
)

// Failover detects assignments whose worker is gone, inactive or stale, and
// re-homes them over the remaining capacity. Streams nobody can take are
// parked Unassigned until capacity appears.
type Failover struct {
	store            Store
	log              *zap.Logger
	obs              Observer
	tracer           *otel.Tracer
	heartbeatTimeout time.Duration
	period           time.Duration
	nowFunc          func() time.Time

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewFailover creates a failover controller. Non-positive durations fall
// back to the defaults.
func NewFailover(store Store, heartbeatTimeout, period time.Duration, log *zap.Logger) *Failover {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if period <= 0 {
		period = DefaultFailoverPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Failover{
		store:            store,
		log:              log,
		tracer:           otel.GetGlobalTracer(),
		heartbeatTimeout: heartbeatTimeout,
		period:           period,
		nowFunc:          time.Now,
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
	}
}

// SetTracer replaces the tracer captured at construction.
func (f *Failover) SetTracer(t *otel.Tracer) {
	if t != nil {
		f.tracer = t
	}
}

// Start begins the periodic sweep loop in a background goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (f *Failover) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.stoppedCh = make(chan struct{})
	f.mu.Unlock()

	go f.run()
}

// Stop halts the sweep loop and blocks until the goroutine has exited.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (f *Failover) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	stoppedCh := f.stoppedCh
	f.mu.Unlock()

	<-stoppedCh
}

// IsRunning reports whether the sweep loop is active.
func (f *Failover) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Failover) run() {
	defer close(f.stoppedCh)

	ticker := time.NewTicker(f.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), loopOpTimeout)
			sctx, span := f.tracer.StartSpan(ctx, "fleet.failover_sweep")
			if _, err := f.Sweep(sctx); err != nil {
				kind, retryable := traceKind(err)
				otel.RecordError(span, err, kind, retryable)
				f.log.Error("failover sweep failed", zap.Error(err))
			}
			span.End()
			cancel()
		case <-f.stopCh:
			return
		}
	}
}

// HeartbeatTimeout returns the configured staleness threshold.
func (f *Failover) HeartbeatTimeout() time.Duration {
	return f.heartbeatTimeout
}

// Sweep runs one failover cycle: mark stale workers inactive, drop their
// orphaned assignments, and redistribute the streams round-robin over active
// workers ranked by load ascending then remaining capacity descending.
func (f *Failover) Sweep(ctx context.Context) (FailoverResult, error) {
	now := f.nowFunc().UTC()
	cutoff := now.Add(-f.heartbeatTimeout)

	var res FailoverResult
	err := f.store.Txn(ctx, "failover_sweep", func(ctx context.Context, tx Tx) error {
		res = FailoverResult{}

		stale, err := tx.MarkStaleWorkers(ctx, cutoff)
		if err != nil {
			return err
		}
		res.StaleWorkers = stale

		workers, err := tx.ListWorkers(ctx)
		if err != nil {
			return err
		}
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}

		byID := make(map[string]Worker, len(workers))
		for _, w := range workers {
			byID[w.ID] = w
		}

		var orphans []Assignment
		for _, a := range assignments {
			w, ok := byID[a.WorkerID]
			if !ok || w.Status != WorkerActive || w.Stale(cutoff) {
				orphans = append(orphans, a)
			}
		}
		if len(orphans) == 0 {
			return nil
		}
		res.Orphaned = len(orphans)

		orphanStreams := make([]int64, 0, len(orphans))
		oldOwner := make(map[int64]string, len(orphans))
		for _, a := range orphans {
			orphanStreams = append(orphanStreams, a.StreamID)
			oldOwner[a.StreamID] = a.WorkerID
		}
		if _, err := tx.DeleteActiveByStreams(ctx, orphanStreams); err != nil {
			return err
		}

		// Surviving loads, counted from the table rather than the load
		// column, after the orphans are gone.
		loads := make(map[string]int)
		for _, a := range assignments {
			if _, gone := oldOwner[a.StreamID]; !gone {
				loads[a.WorkerID]++
			}
		}

		candidates := rankCandidates(workers, loads, cutoff)
		placed, leftovers := distributeRoundRobin(orphanStreams, candidates)

		for _, c := range candidates {
			batch := placed[c.id]
			if len(batch) == 0 {
				continue
			}
			if err := tx.InsertAssignments(ctx, batch, c.id, now); err != nil {
				return err
			}
			res.Reassigned += len(batch)
			res.TargetWorkers = append(res.TargetWorkers, c.id)
		}
		for _, s := range leftovers {
			if err := tx.InsertUnassigned(ctx, s, oldOwner[s], now); err != nil {
				return err
			}
		}
		res.Unassigned = len(leftovers)

		// Recompute loads for everyone the sweep touched.
		touched := make(map[string]bool)
		for _, id := range res.TargetWorkers {
			touched[id] = true
		}
		for _, a := range orphans {
			if _, ok := byID[a.WorkerID]; ok {
				touched[a.WorkerID] = true
			}
		}
		ids := make([]string, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if _, err := tx.RecomputeLoad(ctx, id); err != nil {
				return err
			}
		}

		if res.Reassigned > 0 {
			return tx.AppendRebalance(ctx, RebalanceRecord{
				ID:                uuid.NewString(),
				Kind:              RebalanceFailover,
				Reason:            fmt.Sprintf("re-homed %d orphaned streams", res.Reassigned),
				StreamsMoved:      res.Reassigned,
				InstancesAffected: len(touched),
				At:                now,
			})
		}
		return nil
	})
	if err != nil {
		return FailoverResult{}, err
	}

	if res.Orphaned > 0 {
		if f.obs != nil {
			f.obs.RecordFailover(res.Orphaned, res.Reassigned, res.Unassigned)
		}
		f.log.Warn("failover sweep re-homed orphaned streams",
			zap.Int("orphaned", res.Orphaned),
			zap.Int("reassigned", res.Reassigned),
			zap.Int("unassigned", res.Unassigned),
			zap.Strings("stale_workers", res.StaleWorkers),
			zap.Strings("target_workers", res.TargetWorkers))
	}
	return res, nil
}

type candidate struct {
	id        string
	remaining int
	load      int
}

// rankCandidates returns active, non-stale workers with spare capacity,
// ordered by load ascending, remaining capacity descending, id ascending.
func rankCandidates(workers []Worker, loads map[string]int, cutoff time.Time) []candidate {
	var out []candidate
	for _, w := range workers {
		if w.Status != WorkerActive || w.Stale(cutoff) {
			continue
		}
		load := loads[w.ID]
		if remaining := w.Capacity - load; remaining > 0 {
			out = append(out, candidate{id: w.ID, remaining: remaining, load: load})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].load != out[j].load {
			return out[i].load < out[j].load
		}
		if out[i].remaining != out[j].remaining {
			return out[i].remaining > out[j].remaining
		}
		return out[i].id < out[j].id
	})
	return out
}

// distributeRoundRobin walks the candidate ranking in cycles, handing each
// candidate one stream per pass and skipping saturated ones. Streams that no
// candidate can take come back as leftovers.
func distributeRoundRobin(streams []int64, candidates []candidate) (map[string][]int64, []int64) {
	placed := make(map[string][]int64, len(candidates))
	if len(candidates) == 0 {
		return placed, streams
	}

	remaining := make([]int, len(candidates))
	for i, c := range candidates {
		remaining[i] = c.remaining
	}

	var leftovers []int64
	idx := 0
	for _, s := range streams {
		assigned := false
		for probe := 0; probe < len(candidates); probe++ {
			i := (idx + probe) % len(candidates)
			if remaining[i] > 0 {
				placed[candidates[i].id] = append(placed[candidates[i].id], s)
				remaining[i]--
				idx = (i + 1) % len(candidates)
				assigned = true
				break
			}
		}
		if !assigned {
			leftovers = append(leftovers, s)
		}
	}
	return placed, leftovers
}
