package store

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMonitorFlagsLongTransactions(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := NewTxMonitor(10*time.Second, zap.NewNop())
	m.nowFunc = func() time.Time { return now }

	tx := m.begin("slow_rebalance")

	// Past the warning threshold but under twice: warn only.
	now = base.Add(11 * time.Second)
	m.Sweep()
	if tx.abort.Load() {
		t.Fatal("transaction under twice the threshold must not be flagged for abort")
	}

	// Past twice the threshold: flagged for forced rollback.
	now = base.Add(21 * time.Second)
	m.Sweep()
	if !tx.abort.Load() {
		t.Fatal("transaction past twice the threshold was not flagged")
	}

	// The flag sticks across further sweeps.
	now = base.Add(30 * time.Second)
	m.Sweep()
	if !tx.abort.Load() {
		t.Fatal("abort flag must stay set")
	}

	m.end(tx, TxForceAbort)
	hist := m.History(1)
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Status != TxForceAbort {
		t.Errorf("status = %q, want %q", hist[0].Status, TxForceAbort)
	}
	if hist[0].Duration != 30*time.Second {
		t.Errorf("duration = %s, want 30s", hist[0].Duration)
	}
}

func TestMonitorActiveSnapshot(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := NewTxMonitor(time.Minute, zap.NewNop())
	m.nowFunc = func() time.Time { return now }

	first := m.begin("first")
	first.queries.Add(3)
	now = base.Add(2 * time.Second)
	second := m.begin("second")
	now = base.Add(5 * time.Second)

	active := m.Active()
	if len(active) != 2 {
		t.Fatalf("active length = %d, want 2", len(active))
	}
	if active[0].Label != "first" || active[1].Label != "second" {
		t.Errorf("snapshot not ordered oldest first: %q, %q", active[0].Label, active[1].Label)
	}
	if active[0].Elapsed != 5*time.Second {
		t.Errorf("first elapsed = %s, want 5s", active[0].Elapsed)
	}
	if active[1].Elapsed != 3*time.Second {
		t.Errorf("second elapsed = %s, want 3s", active[1].Elapsed)
	}
	if active[0].Queries != 3 {
		t.Errorf("first queries = %d, want 3", active[0].Queries)
	}

	m.end(first, TxCommitted)
	m.end(second, TxRolledBack)
	if got := len(m.Active()); got != 0 {
		t.Errorf("active after end = %d, want 0", got)
	}
}

func TestMonitorHistoryBoundedAndNewestFirst(t *testing.T) {
	m := NewTxMonitor(time.Second, zap.NewNop())

	total := maxTxHistory + 25
	for i := 0; i < total; i++ {
		tx := m.begin("op")
		m.end(tx, TxCommitted)
	}

	all := m.History(0)
	if len(all) != maxTxHistory {
		t.Fatalf("history length = %d, want bounded at %d", len(all), maxTxHistory)
	}

	recent := m.History(10)
	if len(recent) != 10 {
		t.Fatalf("history(10) length = %d, want 10", len(recent))
	}
	if recent[0].ID != int64(total) {
		t.Errorf("newest record id = %d, want %d", recent[0].ID, total)
	}
	if recent[9].ID != int64(total-9) {
		t.Errorf("oldest of 10 id = %d, want %d", recent[9].ID, total-9)
	}
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	m := NewTxMonitor(time.Second, zap.NewNop())

	m.Start()
	m.Start()
	if !m.IsRunning() {
		t.Fatal("monitor should be running after Start")
	}

	m.Stop()
	m.Stop()
	if m.IsRunning() {
		t.Fatal("monitor should not be running after Stop")
	}

	m.Start()
	if !m.IsRunning() {
		t.Fatal("monitor should restart after Stop")
	}
	m.Stop()
}
