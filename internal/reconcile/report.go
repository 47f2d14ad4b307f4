// Package reconcile compares the authoritative assignment table with
// observed worker state, scores the drift and repairs what it safely can.
package reconcile

import (
	"fmt"
	"time"
)

// IssueKind names one anomaly class.
type IssueKind string

const (
	// KindOrphaned is an active assignment whose worker is missing,
	// inactive or stale.
	KindOrphaned IssueKind = "orphaned"
	// KindDuplicate is a stream with more than one active row.
	KindDuplicate IssueKind = "duplicate"
	// KindUnauthorized is a stream a worker reports but holds no active
	// row for.
	KindUnauthorized IssueKind = "unauthorized"
	// KindStateMismatch is a worker whose load column disagrees with its
	// count of active rows.
	KindStateMismatch IssueKind = "state_mismatch"
	// KindHeartbeatTimeout is an Active worker with a stale heartbeat.
	KindHeartbeatTimeout IssueKind = "heartbeat_timeout"
	// KindLoadImbalance is an active worker whose load strays too far
	// from the fleet mean.
	KindLoadImbalance IssueKind = "load_imbalance"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one detected anomaly.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	StreamID    int64     `json:"stream_id,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
	WorkerIDs   []string  `json:"worker_ids,omitempty"`
	Description string    `json:"description"`
	Repair      string    `json:"recommended_repair"`
}

// key identifies an issue across cycles for the attempt counter.
func (i Issue) key() string {
	if i.StreamID != 0 {
		return fmt.Sprintf("%d_%s", i.StreamID, i.Kind)
	}
	return fmt.Sprintf("%s_%s", i.WorkerID, i.Kind)
}

// RepairResult records one auto-repair attempt.
type RepairResult struct {
	Issue     Issue  `json:"issue"`
	Attempted bool   `json:"attempted"`
	Repaired  bool   `json:"repaired"`
	Action    string `json:"action"`
	Error     string `json:"error,omitempty"`
}

// Report is the outcome of one reconciliation cycle.
type Report struct {
	ID              string         `json:"id"`
	At              time.Time      `json:"at"`
	TotalStreams    int            `json:"total_streams_checked"`
	TotalWorkers    int            `json:"total_instances_checked"`
	StreamIssues    []Issue        `json:"stream_issues"`
	InstanceIssues  []Issue        `json:"instance_issues"`
	Score           float64        `json:"consistency_score"`
	Recommendations []string       `json:"recommendations"`
	Repairs         []RepairResult `json:"repairs,omitempty"`
}

// Healthy reports whether the cycle found the table trustworthy.
func (r Report) Healthy() bool {
	return r.Score >= 0.95 && len(r.StreamIssues) == 0
}

// score folds the issue count into [0, 1]: the error rate against the
// checked stream total, minus a tenth per critical stream issue.
func score(totalStreams int, streamIssues []Issue) float64 {
	if totalStreams == 0 {
		return 1.0
	}
	base := 1.0 - float64(len(streamIssues))/float64(totalStreams)
	if base < 0 {
		base = 0
	}
	critical := 0
	for _, i := range streamIssues {
		if i.Severity == SeverityCritical {
			critical++
		}
	}
	s := base - 0.1*float64(critical)
	if s < 0 {
		s = 0
	}
	return s
}

func recommendations(streamIssues, instanceIssues []Issue) []string {
	counts := make(map[IssueKind]int)
	for _, i := range streamIssues {
		counts[i.Kind]++
	}
	for _, i := range instanceIssues {
		counts[i.Kind]++
	}

	var recs []string
	if n := counts[KindOrphaned]; n > 0 {
		recs = append(recs, fmt.Sprintf("reassign %d orphaned streams to active workers", n))
	}
	if n := counts[KindDuplicate]; n > 0 {
		recs = append(recs, fmt.Sprintf("resolve %d duplicate stream assignments immediately", n))
	}
	if n := counts[KindUnauthorized]; n > 0 {
		recs = append(recs, fmt.Sprintf("synchronize %d unauthorized streams with the assignment table", n))
	}
	if n := counts[KindHeartbeatTimeout]; n > 0 {
		recs = append(recs, fmt.Sprintf("check connectivity of %d workers with stale heartbeats", n))
	}
	if n := counts[KindStateMismatch]; n > 0 {
		recs = append(recs, fmt.Sprintf("recompute load counters for %d workers", n))
	}
	if counts[KindLoadImbalance] > 0 {
		recs = append(recs, "run a full rebalance to even out worker load")
	}
	if len(streamIssues) > 10 {
		recs = append(recs, "consider a full rebalance; inconsistency count is high")
	}
	if len(recs) == 0 {
		recs = append(recs, "consistency is good, keep monitoring")
	}
	return recs
}
