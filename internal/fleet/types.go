// Package fleet implements the stream-to-worker assignment engine: the
// worker registry, the assignment store, capacity-aware placement, the
// rebalancer, and the failover controller.
package fleet

import "time"

// WorkerStatus is the lifecycle state of a worker instance.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerInactive WorkerStatus = "inactive"
)

// Worker is one registered worker instance. Load counts currently assigned
// streams and never exceeds Capacity.
type Worker struct {
	ID            string       `json:"id"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	Capacity      int          `json:"capacity"`
	Load          int          `json:"load"`
	Status        WorkerStatus `json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Remaining returns the worker's unclaimed capacity.
func (w Worker) Remaining() int {
	if r := w.Capacity - w.Load; r > 0 {
		return r
	}
	return 0
}

// Stale reports whether the worker's last heartbeat is older than the cutoff.
func (w Worker) Stale(cutoff time.Time) bool {
	return w.LastHeartbeat.Before(cutoff)
}

// AssignmentStatus is the state of a stream assignment row.
type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "active"
	AssignmentUnassigned AssignmentStatus = "unassigned"
	AssignmentReleased   AssignmentStatus = "released"
)

// Assignment binds one stream to one worker. At most one active assignment
// exists per stream.
type Assignment struct {
	RowID      int64            `json:"-"`
	StreamID   int64            `json:"stream_id"`
	WorkerID   string           `json:"worker_id"`
	AssignedAt time.Time        `json:"assigned_at"`
	Status     AssignmentStatus `json:"status"`
}

// SystemMetrics is the optional resource sample a worker attaches to its
// heartbeat. Stored for diagnostics; never consulted for placement.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	LoadAvg1      float64 `json:"load_avg_1m"`
	LoadAvg5      float64 `json:"load_avg_5m"`
	LoadAvg15     float64 `json:"load_avg_15m"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// MetricsSample is one stored heartbeat metrics row.
type MetricsSample struct {
	WorkerID   string        `json:"worker_id"`
	RecordedAt time.Time     `json:"recorded_at"`
	Metrics    SystemMetrics `json:"metrics"`
}

// Rebalance record kinds.
const (
	RebalanceAutomatic = "automatic"
	RebalanceManual    = "manual"
	RebalanceFailover  = "failover"
)

// RebalanceRecord is one entry in the rebalance history log. Automatic and
// manual entries record fleet-wide moves; failover entries record orphan
// handoffs.
type RebalanceRecord struct {
	ID                string    `json:"id"`
	Kind              string    `json:"kind"`
	Reason            string    `json:"reason"`
	StreamsMoved      int       `json:"streams_moved"`
	InstancesAffected int       `json:"instances_affected"`
	At                time.Time `json:"at"`
}

// RegisterOutcome reports what a registration did.
type RegisterOutcome struct {
	WasReregistration bool
	ReleasedStreams   int
	Reassigned        []int64
	AutoRebalanced    bool
}

// FailoverResult summarises one orphan sweep.
type FailoverResult struct {
	Orphaned      int      `json:"orphaned"`
	Reassigned    int      `json:"reassigned"`
	Unassigned    int      `json:"unassigned"`
	StaleWorkers  []string `json:"stale_workers,omitempty"`
	TargetWorkers []string `json:"target_workers,omitempty"`
}
