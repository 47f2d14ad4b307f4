package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/otel"
)

const (
	// DefaultPeriod is how often the background loop runs a cycle.
	DefaultPeriod = 5 * time.Minute
	// DefaultMaxAttempts caps auto-repair attempts per issue.
	DefaultMaxAttempts = 3

	maxReportHistory = 100
	cycleTimeout     = 60 * time.Second
)

// FailoverTrigger re-homes streams off dead workers. Satisfied by
// *fleet.Failover.
type FailoverTrigger interface {
	Sweep(ctx context.Context) (fleet.FailoverResult, error)
}

// RebalanceTrigger runs a fleet-wide rebalance when load has drifted.
// Satisfied by *fleet.Rebalancer.
type RebalanceTrigger interface {
	MaybeRebalance(ctx context.Context, cause string) (bool, fleet.RebalanceRecord, error)
}

// Observer receives the outcome of each reconciliation cycle. A nil observer
// disables instrumentation. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveCycle(elapsed time.Duration, rep Report)
}

// Config tunes a Reconciler.
type Config struct {
	Period             time.Duration
	HeartbeatTimeout   time.Duration
	ImbalanceThreshold float64
	MaxAttempts        int
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = fleet.DefaultHeartbeatTimeout
	}
	if c.ImbalanceThreshold <= 0 {
		c.ImbalanceThreshold = fleet.DefaultImbalanceThreshold
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// workerReport is the latest stream set a worker claimed to be serving.
type workerReport struct {
	streams    []int64
	receivedAt time.Time
}

// Reconciler periodically audits the assignment table against worker
// self-reports and repairs the drift it finds.
type Reconciler struct {
	store      fleet.Store
	failover   FailoverTrigger
	rebalancer RebalanceTrigger
	cfg        Config
	log        *zap.Logger
	obs        Observer
	tracer     *otel.Tracer
	nowFunc    func() time.Time

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	attempts  map[string]int
	reports   []Report
	observed  map[string]workerReport
}

// New builds a Reconciler. failover and rebalancer may be nil; the
// matching repairs then stay advisory.
func New(store fleet.Store, failover FailoverTrigger, rebalancer RebalanceTrigger, cfg Config, log *zap.Logger) *Reconciler {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:      store,
		failover:   failover,
		rebalancer: rebalancer,
		cfg:        cfg,
		log:        log,
		tracer:     otel.GetGlobalTracer(),
		nowFunc:    time.Now,
		attempts:   make(map[string]int),
		observed:   make(map[string]workerReport),
	}
}

// SetTracer replaces the tracer captured at construction.
func (r *Reconciler) SetTracer(t *otel.Tracer) {
	if t != nil {
		r.tracer = t
	}
}

// SetObserver attaches o to the cycle path. Must be called before Start.
func (r *Reconciler) SetObserver(o Observer) {
	r.obs = o
}

// Start launches the periodic check loop.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})
	go r.run()
	r.log.Info("reconciler started", zap.Duration("period", r.cfg.Period))
}

// Stop halts the loop and waits for the current cycle to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	stopped := r.stoppedCh
	r.mu.Unlock()

	<-stopped
	r.log.Info("reconciler stopped")
}

// IsRunning reports whether the loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run() {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
			sctx, span := r.tracer.StartSpan(ctx, "reconcile.cycle")
			if _, err := r.Check(sctx); err != nil {
				otel.RecordError(span, err, "internal", false)
				r.log.Error("consistency check failed", zap.Error(err))
			}
			span.End()
			cancel()
		}
	}
}

// RecordWorkerReport stores the stream set a worker claims to serve.
// The next cycle checks it against the assignment table.
func (r *Reconciler) RecordWorkerReport(workerID string, streams []int64) {
	set := make([]int64, len(streams))
	copy(set, streams)
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[workerID] = workerReport{streams: set, receivedAt: r.nowFunc()}
}

// Check runs one reconciliation cycle: detect, score, repair, record.
func (r *Reconciler) Check(ctx context.Context) (Report, error) {
	now := r.nowFunc()
	start := time.Now()

	var (
		workers     []fleet.Worker
		assignments []fleet.Assignment
	)
	err := r.store.Txn(ctx, "consistency_snapshot", func(ctx context.Context, tx fleet.Tx) error {
		var err error
		if workers, err = tx.ListWorkers(ctx); err != nil {
			return err
		}
		assignments, err = tx.ListActiveAssignments(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("consistency snapshot: %w", err)
	}

	reported := r.freshReports(now)
	streamIssues, instanceIssues := r.detect(now, workers, assignments, reported)

	totalStreams := len(assignments)
	for _, rep := range reported {
		totalStreams += len(rep.streams)
	}

	report := Report{
		ID:              uuid.NewString(),
		At:              now,
		TotalStreams:    totalStreams,
		TotalWorkers:    len(workers),
		StreamIssues:    streamIssues,
		InstanceIssues:  instanceIssues,
		Score:           score(totalStreams, streamIssues),
		Recommendations: recommendations(streamIssues, instanceIssues),
	}
	report.Repairs = r.repairAll(ctx, report)

	r.mu.Lock()
	r.reports = append(r.reports, report)
	if len(r.reports) > maxReportHistory {
		r.reports = r.reports[len(r.reports)-maxReportHistory:]
	}
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.ObserveCycle(time.Since(start), report)
	}

	if len(streamIssues)+len(instanceIssues) > 0 {
		r.log.Warn("consistency issues found",
			zap.Int("stream_issues", len(streamIssues)),
			zap.Int("instance_issues", len(instanceIssues)),
			zap.Float64("score", report.Score))
	} else {
		r.log.Debug("consistency check clean", zap.Int("streams", totalStreams))
	}
	return report, nil
}

// freshReports returns worker self-reports young enough to trust.
func (r *Reconciler) freshReports(now time.Time) map[string]workerReport {
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]workerReport, len(r.observed))
	for id, rep := range r.observed {
		if rep.receivedAt.After(cutoff) {
			fresh[id] = rep
		}
	}
	return fresh
}

func (r *Reconciler) detect(now time.Time, workers []fleet.Worker, assignments []fleet.Assignment, reported map[string]workerReport) (streamIssues, instanceIssues []Issue) {
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)

	byID := make(map[string]fleet.Worker, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
	}

	// Orphaned and duplicate rows come straight from the table.
	byStream := make(map[int64][]fleet.Assignment)
	activeByWorker := make(map[string]int)
	for _, a := range assignments {
		byStream[a.StreamID] = append(byStream[a.StreamID], a)
		activeByWorker[a.WorkerID]++

		w, ok := byID[a.WorkerID]
		switch {
		case !ok:
			streamIssues = append(streamIssues, Issue{
				Kind:        KindOrphaned,
				Severity:    SeverityCritical,
				StreamID:    a.StreamID,
				WorkerID:    a.WorkerID,
				Description: fmt.Sprintf("stream %d assigned to unknown worker %s", a.StreamID, a.WorkerID),
				Repair:      "reassign to an active worker",
			})
		case w.Status != fleet.WorkerActive || w.Stale(cutoff):
			streamIssues = append(streamIssues, Issue{
				Kind:        KindOrphaned,
				Severity:    SeverityHigh,
				StreamID:    a.StreamID,
				WorkerID:    a.WorkerID,
				Description: fmt.Sprintf("stream %d assigned to unavailable worker %s", a.StreamID, a.WorkerID),
				Repair:      "reassign to an active worker",
			})
		}
	}

	streams := make([]int64, 0, len(byStream))
	for s := range byStream {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })
	for _, s := range streams {
		rows := byStream[s]
		if len(rows) < 2 {
			continue
		}
		holders := make([]string, 0, len(rows))
		for _, a := range rows {
			holders = append(holders, a.WorkerID)
		}
		sort.Strings(holders)
		streamIssues = append(streamIssues, Issue{
			Kind:        KindDuplicate,
			Severity:    SeverityCritical,
			StreamID:    s,
			WorkerIDs:   holders,
			Description: fmt.Sprintf("stream %d has %d active assignments", s, len(rows)),
			Repair:      "keep the earliest assignment, release the rest",
		})
	}

	// Unauthorized streams only show up in worker self-reports.
	reportedIDs := make([]string, 0, len(reported))
	for id := range reported {
		reportedIDs = append(reportedIDs, id)
	}
	sort.Strings(reportedIDs)
	for _, id := range reportedIDs {
		assigned := make(map[int64]bool)
		for _, a := range assignments {
			if a.WorkerID == id {
				assigned[a.StreamID] = true
			}
		}
		for _, s := range reported[id].streams {
			if assigned[s] {
				continue
			}
			streamIssues = append(streamIssues, Issue{
				Kind:        KindUnauthorized,
				Severity:    SeverityMedium,
				StreamID:    s,
				WorkerID:    id,
				Description: fmt.Sprintf("worker %s serves stream %d without an assignment", id, s),
				Repair:      "record the assignment or instruct the worker to drop it",
			})
		}
	}

	// Instance-level checks.
	var loadSum, activeCount int
	for _, w := range workers {
		if w.Status == fleet.WorkerActive && !w.Stale(cutoff) {
			loadSum += w.Load
			activeCount++
		}
	}
	for _, w := range workers {
		if w.Status == fleet.WorkerActive && w.Stale(cutoff) {
			instanceIssues = append(instanceIssues, Issue{
				Kind:        KindHeartbeatTimeout,
				Severity:    SeverityCritical,
				WorkerID:    w.ID,
				Description: fmt.Sprintf("worker %s last beat at %s", w.ID, w.LastHeartbeat.UTC().Format(time.RFC3339)),
				Repair:      "run a failover sweep",
			})
		}
		if w.Status == fleet.WorkerActive && w.Load != activeByWorker[w.ID] {
			instanceIssues = append(instanceIssues, Issue{
				Kind:        KindStateMismatch,
				Severity:    SeverityWarning,
				WorkerID:    w.ID,
				Description: fmt.Sprintf("worker %s load column is %d but holds %d active assignments", w.ID, w.Load, activeByWorker[w.ID]),
				Repair:      "recompute the load counter",
			})
		}
	}
	if activeCount > 1 {
		mean := float64(loadSum) / float64(activeCount)
		if mean > 0 {
			for _, w := range workers {
				if w.Status != fleet.WorkerActive || w.Stale(cutoff) {
					continue
				}
				dev := float64(w.Load) - mean
				if dev < 0 {
					dev = -dev
				}
				if dev > mean*r.cfg.ImbalanceThreshold && dev > 1 {
					instanceIssues = append(instanceIssues, Issue{
						Kind:        KindLoadImbalance,
						Severity:    SeverityWarning,
						WorkerID:    w.ID,
						Description: fmt.Sprintf("worker %s load %d deviates from mean %.1f beyond %.0f%%", w.ID, w.Load, mean, r.cfg.ImbalanceThreshold*100),
						Repair:      "run a fleet rebalance",
					})
				}
			}
		}
	}
	return streamIssues, instanceIssues
}

// Diagnosis is the per-worker delta between the assignment table and
// what the worker reports locally.
type Diagnosis struct {
	WorkerID        string   `json:"worker_id"`
	Matching        int      `json:"matching"`
	Missing         []int64  `json:"missing"`
	Extra           []int64  `json:"extra"`
	Consistent      bool     `json:"consistent"`
	Recommendations []string `json:"recommendations"`
}

// Diagnose compares a worker's reported streams with its authoritative
// assignments and records the report for the next cycle.
func (r *Reconciler) Diagnose(ctx context.Context, workerID string, localStreams []int64) (Diagnosis, error) {
	if workerID == "" {
		return Diagnosis{}, fmt.Errorf("%w: worker id required", fleet.ErrInvalid)
	}

	var assigned []int64
	err := r.store.Txn(ctx, "diagnose_worker", func(ctx context.Context, tx fleet.Tx) error {
		if _, err := tx.GetWorker(ctx, workerID); err != nil {
			return err
		}
		var err error
		assigned, err = tx.ListActiveByWorker(ctx, workerID)
		return err
	})
	if err != nil {
		return Diagnosis{}, err
	}

	r.RecordWorkerReport(workerID, localStreams)

	local := make(map[int64]bool, len(localStreams))
	for _, s := range localStreams {
		local[s] = true
	}
	authoritative := make(map[int64]bool, len(assigned))
	for _, s := range assigned {
		authoritative[s] = true
	}

	d := Diagnosis{WorkerID: workerID}
	for _, s := range assigned {
		if local[s] {
			d.Matching++
		} else {
			d.Missing = append(d.Missing, s)
		}
	}
	for _, s := range localStreams {
		if !authoritative[s] {
			d.Extra = append(d.Extra, s)
		}
	}
	sort.Slice(d.Missing, func(i, j int) bool { return d.Missing[i] < d.Missing[j] })
	sort.Slice(d.Extra, func(i, j int) bool { return d.Extra[i] < d.Extra[j] })
	d.Consistent = len(d.Missing) == 0 && len(d.Extra) == 0

	if len(d.Missing) > 0 {
		d.Recommendations = append(d.Recommendations, fmt.Sprintf("start %d streams assigned but not running", len(d.Missing)))
	}
	if len(d.Extra) > 0 {
		d.Recommendations = append(d.Recommendations, fmt.Sprintf("stop %d streams running without an assignment", len(d.Extra)))
	}
	if d.Consistent {
		d.Recommendations = append(d.Recommendations, "worker state matches the assignment table")
	}
	return d, nil
}

// LastReport returns the most recent cycle, if any.
func (r *Reconciler) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return Report{}, false
	}
	return r.reports[len(r.reports)-1], true
}

// History returns up to limit reports, newest first.
func (r *Reconciler) History(limit int) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.reports)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Report, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.reports[i])
	}
	return out
}
