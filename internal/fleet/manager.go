package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Params tunes the engine's background behaviour.
type Params struct {
	HeartbeatTimeout   time.Duration
	FailoverPeriod     time.Duration
	RebalancePeriod    time.Duration
	ImbalanceThreshold float64
}

// FleetStatus is the aggregate snapshot served by the status endpoint.
type FleetStatus struct {
	TotalWorkers      int      `json:"total_workers"`
	ActiveWorkers     int      `json:"active_workers"`
	TotalCapacity     int      `json:"total_capacity"`
	TotalLoad         int      `json:"total_load"`
	ActiveAssignments int      `json:"active_assignments"`
	TotalStreams      int      `json:"total_streams"`
	AvailableStreams  int      `json:"available_streams"`
	Workers           []Worker `json:"workers"`
}

// Manager is the composition of registry, placer, rebalancer and failover
// controller behind one handle. The API layer and background loops go
// through it.
type Manager struct {
	store      Store
	log        *zap.Logger
	registry   *Registry
	placer     *Placer
	rebalancer *Rebalancer
	failover   *Failover
}

// NewManager wires the engine components over one store.
func NewManager(store Store, p Params, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      store,
		log:        log,
		registry:   NewRegistry(store, log),
		placer:     NewPlacer(store, log),
		rebalancer: NewRebalancer(store, p.ImbalanceThreshold, p.RebalancePeriod, log),
		failover:   NewFailover(store, p.HeartbeatTimeout, p.FailoverPeriod, log),
	}
}

// Start launches the failover and rebalance loops.
func (m *Manager) Start() {
	m.failover.Start()
	m.rebalancer.Start()
	m.log.Info("fleet engine started",
		zap.Duration("heartbeat_timeout", m.failover.HeartbeatTimeout()),
		zap.Duration("failover_period", m.failover.period),
		zap.Duration("rebalance_period", m.rebalancer.period))
}

// Stop halts the background loops, blocking until both exit.
func (m *Manager) Stop() {
	m.rebalancer.Stop()
	m.failover.Stop()
	m.log.Info("fleet engine stopped")
}

// Registry exposes the worker lifecycle component.
func (m *Manager) Registry() *Registry { return m.registry }

// Rebalancer exposes the rebalance component.
func (m *Manager) Rebalancer() *Rebalancer { return m.rebalancer }

// Failover exposes the failover controller.
func (m *Manager) Failover() *Failover { return m.failover }

// Register registers or re-registers a worker. A fresh registration then
// evaluates the imbalance trigger; the rebalance runs in its own transaction
// after the registration has committed and its failure does not undo the
// registration.
func (m *Manager) Register(ctx context.Context, id, host string, port, capacity int) (RegisterOutcome, error) {
	out, err := m.registry.Register(ctx, id, host, port, capacity)
	if err != nil {
		return RegisterOutcome{}, err
	}
	if !out.WasReregistration {
		fired, _, rerr := m.rebalancer.MaybeRebalance(ctx, fmt.Sprintf("new instance registered: %s", id))
		if rerr != nil {
			m.log.Error("post-registration rebalance failed",
				zap.String("worker_id", id), zap.Error(rerr))
		}
		out.AutoRebalanced = fired
	}
	return out, nil
}

// Heartbeat records a worker heartbeat.
func (m *Manager) Heartbeat(ctx context.Context, id string, load int, status WorkerStatus, metrics *SystemMetrics) error {
	return m.registry.Heartbeat(ctx, id, load, status, metrics)
}

// AssignStreams places up to requested available streams on the worker.
func (m *Manager) AssignStreams(ctx context.Context, workerID string, requested int) ([]int64, error) {
	return m.placer.AssignTo(ctx, workerID, requested)
}

// ReleaseStreams drops the given assignments of the worker.
func (m *Manager) ReleaseStreams(ctx context.Context, workerID string, streamIDs []int64) (int, error) {
	return m.placer.Release(ctx, workerID, streamIDs)
}

// Status assembles the fleet aggregate snapshot.
func (m *Manager) Status(ctx context.Context) (FleetStatus, error) {
	var st FleetStatus
	err := m.store.Txn(ctx, "fleet_status", func(ctx context.Context, tx Tx) error {
		st = FleetStatus{}
		workers, err := tx.ListWorkers(ctx)
		if err != nil {
			return err
		}
		assignments, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		total, err := tx.CountStreams(ctx)
		if err != nil {
			return err
		}

		st.Workers = workers
		st.TotalWorkers = len(workers)
		st.ActiveAssignments = len(assignments)
		st.TotalStreams = total
		st.AvailableStreams = total - len(assignments)
		for _, w := range workers {
			if w.Status == WorkerActive {
				st.ActiveWorkers++
				st.TotalCapacity += w.Capacity
				st.TotalLoad += w.Load
			}
		}
		return nil
	})
	return st, err
}

// Instances returns every worker row.
func (m *Manager) Instances(ctx context.Context) ([]Worker, error) {
	return m.registry.List(ctx)
}

// Instance returns one worker and its active stream ids.
func (m *Manager) Instance(ctx context.Context, id string) (Worker, []int64, error) {
	return m.registry.Get(ctx, id)
}

// InstanceMetrics returns the worker's stored heartbeat metrics since the
// given time.
func (m *Manager) InstanceMetrics(ctx context.Context, id string, since time.Time) ([]MetricsSample, error) {
	return m.registry.MetricsSince(ctx, id, since)
}

// RemoveInstance unassigns the worker's streams and deletes its row.
func (m *Manager) RemoveInstance(ctx context.Context, id string) (int, error) {
	return m.registry.Remove(ctx, id)
}

// Assignments returns the active assignment table ordered by stream id.
func (m *Manager) Assignments(ctx context.Context) ([]Assignment, error) {
	var out []Assignment
	err := m.store.Txn(ctx, "list_assignments", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListActiveAssignments(ctx)
		return err
	})
	return out, err
}

// Rebalance runs an unconditional full rebalance on operator request.
func (m *Manager) Rebalance(ctx context.Context, reason string) (RebalanceRecord, error) {
	if reason == "" {
		reason = "manual rebalance requested"
	}
	return m.rebalancer.Rebalance(ctx, RebalanceManual, reason)
}

// RebalanceCheck evaluates the imbalance trigger without mutating anything.
func (m *Manager) RebalanceCheck(ctx context.Context) (Evaluation, error) {
	return m.rebalancer.Evaluate(ctx)
}

// RebalanceHistory returns recent rebalance records, newest first.
func (m *Manager) RebalanceHistory(ctx context.Context, limit int) ([]RebalanceRecord, error) {
	return m.rebalancer.History(ctx, limit)
}

// MarkWorkerFailed flips the worker to Inactive and immediately sweeps its
// streams onto the remaining fleet. Used by operators and failure drills.
func (m *Manager) MarkWorkerFailed(ctx context.Context, id string) (FailoverResult, error) {
	if id == "" {
		return FailoverResult{}, fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	err := m.store.Txn(ctx, "mark_worker_failed", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetWorkerForUpdate(ctx, id); err != nil {
			return err
		}
		return tx.SetWorkerStatus(ctx, id, WorkerInactive)
	})
	if err != nil {
		return FailoverResult{}, err
	}
	m.log.Warn("worker marked failed", zap.String("worker_id", id))
	return m.failover.Sweep(ctx)
}
