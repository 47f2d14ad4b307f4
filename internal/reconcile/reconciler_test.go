package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/fleet/fleettest"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(st *fleettest.Store, failover FailoverTrigger, rebalancer RebalanceTrigger) *Reconciler {
	r := New(st, failover, rebalancer, Config{
		HeartbeatTimeout:   5 * time.Minute,
		ImbalanceThreshold: 0.20,
	}, zap.NewNop())
	r.nowFunc = func() time.Time { return testNow }
	return r
}

func seedWorker(st *fleettest.Store, id string, capacity, load int) {
	st.SeedWorker(fleet.Worker{
		ID:            id,
		Host:          "10.0.0.1",
		Port:          8080,
		Capacity:      capacity,
		Load:          load,
		Status:        fleet.WorkerActive,
		RegisteredAt:  testNow.Add(-time.Hour),
		LastHeartbeat: testNow,
	})
}

type failoverStub struct {
	calls int
	res   fleet.FailoverResult
	err   error
}

func (f *failoverStub) Sweep(ctx context.Context) (fleet.FailoverResult, error) {
	f.calls++
	return f.res, f.err
}

type rebalanceStub struct {
	calls int
	fired bool
	rec   fleet.RebalanceRecord
	err   error
}

func (r *rebalanceStub) MaybeRebalance(ctx context.Context, cause string) (bool, fleet.RebalanceRecord, error) {
	r.calls++
	return r.fired, r.rec, r.err
}

func TestCheckCleanFleet(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 2)
	seedWorker(st, "w2", 10, 2)
	st.InjectActive(1, "w1", testNow.Add(-time.Minute))
	st.InjectActive(2, "w1", testNow.Add(-time.Minute))
	st.InjectActive(3, "w2", testNow.Add(-time.Minute))
	st.InjectActive(4, "w2", testNow.Add(-time.Minute))

	r := newTestReconciler(st, nil, nil)
	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(rep.StreamIssues) != 0 || len(rep.InstanceIssues) != 0 {
		t.Fatalf("expected no issues, got %d stream / %d instance", len(rep.StreamIssues), len(rep.InstanceIssues))
	}
	if rep.Score != 1.0 {
		t.Errorf("score = %v, want 1.0", rep.Score)
	}
	if !rep.Healthy() {
		t.Errorf("report should be healthy")
	}
	if rep.TotalStreams != 4 {
		t.Errorf("TotalStreams = %d, want 4", rep.TotalStreams)
	}
	if len(rep.Recommendations) != 1 || rep.Recommendations[0] != "consistency is good, keep monitoring" {
		t.Errorf("unexpected recommendations: %v", rep.Recommendations)
	}
}

func TestCheckEmptyFleetScoresPerfect(t *testing.T) {
	st := fleettest.New()
	r := newTestReconciler(st, nil, nil)

	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.Score != 1.0 {
		t.Errorf("score = %v, want 1.0 on empty fleet", rep.Score)
	}
	if !rep.Healthy() {
		t.Errorf("empty fleet should be healthy")
	}
}

func TestCheckRepairsOrphanToLeastLoaded(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 3)
	seedWorker(st, "w2", 10, 1)
	st.InjectActive(1, "w1", testNow.Add(-time.Minute))
	st.InjectActive(2, "w1", testNow.Add(-time.Minute))
	st.InjectActive(3, "w1", testNow.Add(-time.Minute))
	st.InjectActive(4, "w2", testNow.Add(-time.Minute))
	st.InjectActive(9, "ghost", testNow.Add(-time.Minute))

	r := newTestReconciler(st, nil, nil)
	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	var orphan *Issue
	for i := range rep.StreamIssues {
		if rep.StreamIssues[i].Kind == KindOrphaned {
			orphan = &rep.StreamIssues[i]
		}
	}
	if orphan == nil {
		t.Fatalf("expected an orphaned issue, got %+v", rep.StreamIssues)
	}
	if orphan.Severity != SeverityCritical {
		t.Errorf("orphan to unknown worker should be critical, got %s", orphan.Severity)
	}
	if orphan.StreamID != 9 {
		t.Errorf("orphan stream = %d, want 9", orphan.StreamID)
	}

	counts := st.ActiveByWorker()
	if counts["ghost"] != 0 {
		t.Errorf("ghost still holds %d assignments", counts["ghost"])
	}
	if counts["w2"] != 2 {
		t.Errorf("least-loaded w2 should have taken the stream, holds %d", counts["w2"])
	}
	w2, _ := st.Worker("w2")
	if w2.Load != 2 {
		t.Errorf("w2 load = %d, want 2 after recompute", w2.Load)
	}
	if len(rep.Repairs) == 0 || !rep.Repairs[0].Repaired {
		t.Errorf("repair should have succeeded: %+v", rep.Repairs)
	}
}

func TestCheckParksOrphanWhenFleetFull(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 1, 1)
	st.InjectActive(1, "w1", testNow.Add(-time.Minute))
	st.InjectActive(9, "ghost", testNow.Add(-time.Minute))

	r := newTestReconciler(st, nil, nil)
	if _, err := r.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	var parked bool
	for _, a := range st.Assignments() {
		if a.StreamID == 9 && a.Status == fleet.AssignmentUnassigned {
			parked = true
		}
		if a.StreamID == 9 && a.Status == fleet.AssignmentActive {
			t.Errorf("stream 9 should not be active anywhere, found on %s", a.WorkerID)
		}
	}
	if !parked {
		t.Errorf("stream 9 should be parked unassigned")
	}
}

func TestCheckRepairsDuplicateKeepsEarliest(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 1)
	seedWorker(st, "w2", 10, 1)
	st.InjectActive(7, "w2", testNow.Add(-3*time.Minute))
	st.InjectActive(7, "w1", testNow.Add(-time.Minute))

	r := newTestReconciler(st, nil, nil)
	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	var dup *Issue
	for i := range rep.StreamIssues {
		if rep.StreamIssues[i].Kind == KindDuplicate {
			dup = &rep.StreamIssues[i]
		}
	}
	if dup == nil {
		t.Fatalf("expected a duplicate issue")
	}
	if dup.Severity != SeverityCritical {
		t.Errorf("duplicate severity = %s, want critical", dup.Severity)
	}
	if len(dup.WorkerIDs) != 2 {
		t.Errorf("duplicate holders = %v", dup.WorkerIDs)
	}

	var active []fleet.Assignment
	for _, a := range st.Assignments() {
		if a.StreamID == 7 && a.Status == fleet.AssignmentActive {
			active = append(active, a)
		}
	}
	if len(active) != 1 {
		t.Fatalf("stream 7 has %d active rows after repair, want 1", len(active))
	}
	if active[0].WorkerID != "w2" {
		t.Errorf("earliest holder w2 should keep the stream, kept %s", active[0].WorkerID)
	}
}

func TestCheckLegitimisesUnauthorizedStream(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 0)

	r := newTestReconciler(st, nil, nil)
	r.RecordWorkerReport("w1", []int64{42})

	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	var unauth *Issue
	for i := range rep.StreamIssues {
		if rep.StreamIssues[i].Kind == KindUnauthorized {
			unauth = &rep.StreamIssues[i]
		}
	}
	if unauth == nil {
		t.Fatalf("expected an unauthorized issue")
	}
	if unauth.StreamID != 42 || unauth.WorkerID != "w1" {
		t.Errorf("unexpected issue: %+v", unauth)
	}

	counts := st.ActiveByWorker()
	if counts["w1"] != 1 {
		t.Errorf("stream 42 should be recorded on w1, holds %d", counts["w1"])
	}
	w1, _ := st.Worker("w1")
	if w1.Load != 1 {
		t.Errorf("w1 load = %d, want 1", w1.Load)
	}
}

func TestCheckUnauthorizedOwnedElsewhereStaysPut(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 1)
	seedWorker(st, "w2", 10, 0)
	st.InjectActive(42, "w1", testNow.Add(-time.Minute))

	r := newTestReconciler(st, nil, nil)
	r.RecordWorkerReport("w2", []int64{42})

	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(rep.StreamIssues) != 1 || rep.StreamIssues[0].Kind != KindUnauthorized {
		t.Fatalf("expected one unauthorized issue, got %+v", rep.StreamIssues)
	}

	counts := st.ActiveByWorker()
	if counts["w1"] != 1 || counts["w2"] != 0 {
		t.Errorf("ownership should not move: w1=%d w2=%d", counts["w1"], counts["w2"])
	}
}

func TestCheckRepairsStateMismatch(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 5)

	r := newTestReconciler(st, nil, nil)
	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	var mismatch *Issue
	for i := range rep.InstanceIssues {
		if rep.InstanceIssues[i].Kind == KindStateMismatch {
			mismatch = &rep.InstanceIssues[i]
		}
	}
	if mismatch == nil {
		t.Fatalf("expected a state mismatch issue")
	}
	if mismatch.Severity != SeverityWarning {
		t.Errorf("severity = %s, want warning", mismatch.Severity)
	}

	w1, _ := st.Worker("w1")
	if w1.Load != 0 {
		t.Errorf("w1 load = %d, want 0 after recompute", w1.Load)
	}
}

func TestCheckHeartbeatTimeoutTriggersFailover(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 0)
	stale := fleet.Worker{
		ID:            "w2",
		Host:          "10.0.0.2",
		Port:          8080,
		Capacity:      10,
		Load:          0,
		Status:        fleet.WorkerActive,
		RegisteredAt:  testNow.Add(-time.Hour),
		LastHeartbeat: testNow.Add(-time.Hour),
	}
	st.SeedWorker(stale)

	fo := &failoverStub{res: fleet.FailoverResult{Orphaned: 2, Reassigned: 2}}
	r := newTestReconciler(st, fo, nil)

	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	var timeout *Issue
	for i := range rep.InstanceIssues {
		if rep.InstanceIssues[i].Kind == KindHeartbeatTimeout {
			timeout = &rep.InstanceIssues[i]
		}
	}
	if timeout == nil {
		t.Fatalf("expected a heartbeat timeout issue")
	}
	if timeout.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", timeout.Severity)
	}
	if fo.calls != 1 {
		t.Errorf("failover sweep calls = %d, want 1", fo.calls)
	}
}

func TestCheckLoadImbalanceTriggersRebalanceOnce(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 20, 10)
	seedWorker(st, "w2", 20, 2)
	for s := int64(1); s <= 10; s++ {
		st.InjectActive(s, "w1", testNow.Add(-time.Minute))
	}
	st.InjectActive(11, "w2", testNow.Add(-time.Minute))
	st.InjectActive(12, "w2", testNow.Add(-time.Minute))

	rb := &rebalanceStub{fired: true, rec: fleet.RebalanceRecord{StreamsMoved: 4}}
	r := newTestReconciler(st, nil, rb)

	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	imbalances := 0
	for _, is := range rep.InstanceIssues {
		if is.Kind == KindLoadImbalance {
			imbalances++
		}
	}
	if imbalances < 2 {
		t.Errorf("both deviating workers should be flagged, got %d", imbalances)
	}
	if rb.calls != 1 {
		t.Errorf("rebalance calls = %d, want exactly 1 per cycle", rb.calls)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		issues []Issue
		want   float64
	}{
		{"no streams", 0, nil, 1.0},
		{"clean", 10, nil, 1.0},
		{"one medium of ten", 10, []Issue{{Severity: SeverityMedium}}, 0.9},
		{"one critical of ten", 10, []Issue{{Severity: SeverityCritical}}, 0.8},
		{"all critical floors at zero", 2, []Issue{
			{Severity: SeverityCritical}, {Severity: SeverityCritical}, {Severity: SeverityCritical},
		}, 0},
	}
	for _, tt := range tests {
		got := score(tt.total, tt.issues)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: score = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAttemptBudget(t *testing.T) {
	st := fleettest.New()
	r := newTestReconciler(st, nil, nil)

	warn := Issue{Kind: KindStateMismatch, WorkerID: "w1", Severity: SeverityWarning}
	if !r.shouldAttempt(warn) {
		t.Fatalf("fresh issue should be attempted")
	}
	r.recordAttempt(warn)
	if !r.shouldAttempt(warn) {
		t.Fatalf("second attempt should be allowed")
	}
	r.recordAttempt(warn)
	if r.shouldAttempt(warn) {
		t.Errorf("non-critical issue should stop after two attempts")
	}

	crit := Issue{Kind: KindDuplicate, StreamID: 7, Severity: SeverityCritical}
	for i := 0; i < 3; i++ {
		if !r.shouldAttempt(crit) {
			t.Fatalf("critical attempt %d should be allowed", i+1)
		}
		r.recordAttempt(crit)
	}
	if r.shouldAttempt(crit) {
		t.Errorf("critical issue should stop at the hard cap")
	}

	r.clearAttempts(crit)
	if !r.shouldAttempt(crit) {
		t.Errorf("cleared issue should be attempted again")
	}
}

func TestAttemptKeySeparatesKinds(t *testing.T) {
	a := Issue{Kind: KindOrphaned, StreamID: 5}
	b := Issue{Kind: KindDuplicate, StreamID: 5}
	if a.key() == b.key() {
		t.Errorf("different kinds on one stream must not share a key")
	}
	c := Issue{Kind: KindStateMismatch, WorkerID: "w1"}
	d := Issue{Kind: KindHeartbeatTimeout, WorkerID: "w1"}
	if c.key() == d.key() {
		t.Errorf("different kinds on one worker must not share a key")
	}
}

func TestDiagnose(t *testing.T) {
	st := fleettest.New()
	seedWorker(st, "w1", 10, 3)
	st.InjectActive(1, "w1", testNow.Add(-time.Minute))
	st.InjectActive(2, "w1", testNow.Add(-time.Minute))
	st.InjectActive(3, "w1", testNow.Add(-time.Minute))

	r := newTestReconciler(st, nil, nil)
	d, err := r.Diagnose(context.Background(), "w1", []int64{2, 3, 4})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Matching != 2 {
		t.Errorf("matching = %d, want 2", d.Matching)
	}
	if len(d.Missing) != 1 || d.Missing[0] != 1 {
		t.Errorf("missing = %v, want [1]", d.Missing)
	}
	if len(d.Extra) != 1 || d.Extra[0] != 4 {
		t.Errorf("extra = %v, want [4]", d.Extra)
	}
	if d.Consistent {
		t.Errorf("diverged worker must not be consistent")
	}

	// The report feeds the next cycle's unauthorized detection.
	rep, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	found := false
	for _, is := range rep.StreamIssues {
		if is.Kind == KindUnauthorized && is.StreamID == 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("stream 4 from the diagnose report should be flagged unauthorized")
	}
}

func TestDiagnoseUnknownWorker(t *testing.T) {
	st := fleettest.New()
	r := newTestReconciler(st, nil, nil)

	if _, err := r.Diagnose(context.Background(), "nope", nil); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Diagnose(context.Background(), "", nil); !errors.Is(err, fleet.ErrInvalid) {
		t.Errorf("empty worker id should be rejected, got %v", err)
	}
}

func TestHistoryBoundedAndNewestFirst(t *testing.T) {
	st := fleettest.New()
	r := newTestReconciler(st, nil, nil)

	tick := testNow
	r.nowFunc = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	for i := 0; i < maxReportHistory+5; i++ {
		if _, err := r.Check(context.Background()); err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
	}

	all := r.History(0)
	if len(all) != maxReportHistory {
		t.Fatalf("history length = %d, want %d", len(all), maxReportHistory)
	}
	if !all[0].At.After(all[1].At) {
		t.Errorf("history must be newest first")
	}

	limited := r.History(3)
	if len(limited) != 3 {
		t.Errorf("limited history length = %d, want 3", len(limited))
	}
	last, ok := r.LastReport()
	if !ok || !last.At.Equal(all[0].At) {
		t.Errorf("LastReport should match the newest history entry")
	}
}

func TestStartStop(t *testing.T) {
	st := fleettest.New()
	r := New(st, nil, nil, Config{Period: time.Hour}, zap.NewNop())

	if r.IsRunning() {
		t.Fatalf("not started yet")
	}
	r.Start()
	if !r.IsRunning() {
		t.Fatalf("should be running after Start")
	}
	r.Start()
	r.Stop()
	if r.IsRunning() {
		t.Fatalf("should be stopped after Stop")
	}
	r.Stop()
}
