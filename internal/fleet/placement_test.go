package fleet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/fleet/fleettest"
)

func TestAssignPlacesAscendingStreams(t *testing.T) {
	st := fleettest.New()
	catalog(st, 5)
	seedActive(st, "w1", 10, 0)

	p := fleet.NewPlacer(st, nil)
	assigned, err := p.AssignTo(context.Background(), "w1", 3)
	if err != nil {
		t.Fatalf("AssignTo failed: %v", err)
	}
	if len(assigned) != 3 {
		t.Fatalf("assigned = %v, want 3 streams", assigned)
	}
	for i, s := range assigned {
		if s != int64(i+1) {
			t.Errorf("assigned[%d] = %d, want ascending from 1", i, s)
		}
	}
	w, _ := st.Worker("w1")
	if w.Load != 3 {
		t.Errorf("load = %d, want 3", w.Load)
	}
}

func TestAssignRespectsRemainingCapacity(t *testing.T) {
	st := fleettest.New()
	catalog(st, 10)
	seedActive(st, "w1", 5, 3)

	p := fleet.NewPlacer(st, nil)
	assigned, err := p.AssignTo(context.Background(), "w1", 10)
	if err != nil {
		t.Fatalf("AssignTo failed: %v", err)
	}
	if len(assigned) != 2 {
		t.Errorf("assigned = %v, want only the 2 free slots", assigned)
	}
	w, _ := st.Worker("w1")
	if w.Load != 5 {
		t.Errorf("load = %d, want 5", w.Load)
	}
}

func TestAssignSkipsTakenStreams(t *testing.T) {
	st := fleettest.New()
	catalog(st, 4)
	seedActive(st, "w1", 10, 0)
	seedActive(st, "w2", 10, 2)
	now := time.Now()
	st.InjectActive(1, "w2", now)
	st.InjectActive(2, "w2", now)

	p := fleet.NewPlacer(st, nil)
	assigned, err := p.AssignTo(context.Background(), "w1", 4)
	if err != nil {
		t.Fatalf("AssignTo failed: %v", err)
	}
	if len(assigned) != 2 || assigned[0] != 3 || assigned[1] != 4 {
		t.Errorf("assigned = %v, want the free streams [3 4]", assigned)
	}
}

func TestAssignInactiveWorker(t *testing.T) {
	st := fleettest.New()
	catalog(st, 4)
	st.SeedWorker(fleet.Worker{
		ID: "w1", Host: "h", Port: 9000, Capacity: 10,
		Status:        fleet.WorkerInactive,
		RegisteredAt:  time.Now(),
		LastHeartbeat: time.Now(),
	})

	p := fleet.NewPlacer(st, nil)
	if _, err := p.AssignTo(context.Background(), "w1", 1); !errors.Is(err, fleet.ErrInactive) {
		t.Errorf("got %v, want ErrInactive", err)
	}
}

func TestAssignAtCapacity(t *testing.T) {
	st := fleettest.New()
	catalog(st, 4)
	seedActive(st, "w1", 2, 2)

	p := fleet.NewPlacer(st, nil)
	if _, err := p.AssignTo(context.Background(), "w1", 1); !errors.Is(err, fleet.ErrNoCapacity) {
		t.Errorf("got %v, want ErrNoCapacity", err)
	}
}

func TestAssignUnknownWorker(t *testing.T) {
	st := fleettest.New()
	p := fleet.NewPlacer(st, nil)

	if _, err := p.AssignTo(context.Background(), "nope", 1); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAssignZeroIsNoOp(t *testing.T) {
	st := fleettest.New()
	seedActive(st, "w1", 10, 0)

	p := fleet.NewPlacer(st, nil)
	assigned, err := p.AssignTo(context.Background(), "w1", 0)
	if err != nil {
		t.Fatalf("AssignTo failed: %v", err)
	}
	if assigned != nil {
		t.Errorf("assigned = %v, want nil", assigned)
	}
	if len(st.Labels) != 0 {
		t.Errorf("zero request must not open a transaction, saw %v", st.Labels)
	}
}

func TestAssignValidation(t *testing.T) {
	st := fleettest.New()
	p := fleet.NewPlacer(st, nil)
	ctx := context.Background()

	if _, err := p.AssignTo(ctx, "", 1); !errors.Is(err, fleet.ErrInvalid) {
		t.Errorf("empty id: got %v, want ErrInvalid", err)
	}
	if _, err := p.AssignTo(ctx, "w1", -1); !errors.Is(err, fleet.ErrInvalid) {
		t.Errorf("negative count: got %v, want ErrInvalid", err)
	}
}

func TestAssignNothingAvailable(t *testing.T) {
	st := fleettest.New()
	catalog(st, 2)
	seedActive(st, "w1", 10, 0)
	seedActive(st, "w2", 10, 2)
	now := time.Now()
	st.InjectActive(1, "w2", now)
	st.InjectActive(2, "w2", now)

	p := fleet.NewPlacer(st, nil)
	assigned, err := p.AssignTo(context.Background(), "w1", 5)
	if err != nil {
		t.Fatalf("AssignTo failed: %v", err)
	}
	if len(assigned) != 0 {
		t.Errorf("assigned = %v, want none", assigned)
	}
	w, _ := st.Worker("w1")
	if w.Load != 0 {
		t.Errorf("load = %d, want unchanged 0", w.Load)
	}
}

func TestReleaseDeletesRowsAndLowersLoad(t *testing.T) {
	st := fleettest.New()
	seedActive(st, "w1", 10, 3)
	now := time.Now()
	st.InjectActive(1, "w1", now)
	st.InjectActive(2, "w1", now)
	st.InjectActive(3, "w1", now)

	p := fleet.NewPlacer(st, nil)
	released, err := p.Release(context.Background(), "w1", []int64{1, 3})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
	w, _ := st.Worker("w1")
	if w.Load != 1 {
		t.Errorf("load = %d, want 1", w.Load)
	}
	if counts := st.ActiveByWorker(); counts["w1"] != 1 {
		t.Errorf("active rows = %d, want 1", counts["w1"])
	}
}

func TestReleaseSkipsForeignStreams(t *testing.T) {
	st := fleettest.New()
	seedActive(st, "w1", 10, 1)
	seedActive(st, "w2", 10, 1)
	now := time.Now()
	st.InjectActive(1, "w1", now)
	st.InjectActive(2, "w2", now)

	p := fleet.NewPlacer(st, nil)
	released, err := p.Release(context.Background(), "w1", []int64{1, 2})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released != 1 {
		t.Errorf("released = %d, want only w1's own stream", released)
	}
	if counts := st.ActiveByWorker(); counts["w2"] != 1 {
		t.Errorf("w2's stream must survive, rows = %d", counts["w2"])
	}
}

func TestReleaseLingeringRowsOfRemovedWorker(t *testing.T) {
	st := fleettest.New()
	now := time.Now()
	st.InjectActive(1, "gone", now)
	st.InjectActive(2, "gone", now)

	p := fleet.NewPlacer(st, nil)
	released, err := p.Release(context.Background(), "gone", []int64{1, 2})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
	for _, a := range st.Assignments() {
		if a.Status == fleet.AssignmentActive {
			t.Errorf("stream %d still active", a.StreamID)
		}
	}
}

func TestReleaseEmptyListIsNoOp(t *testing.T) {
	st := fleettest.New()
	seedActive(st, "w1", 10, 0)

	p := fleet.NewPlacer(st, nil)
	released, err := p.Release(context.Background(), "w1", nil)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released != 0 {
		t.Errorf("released = %d, want 0", released)
	}
	if len(st.Labels) != 0 {
		t.Errorf("empty release must not open a transaction, saw %v", st.Labels)
	}
}

func TestReleaseFloorsLoadAtZero(t *testing.T) {
	st := fleettest.New()
	seedActive(st, "w1", 10, 1)
	now := time.Now()
	st.InjectActive(1, "w1", now)
	st.InjectActive(2, "w1", now)
	st.InjectActive(3, "w1", now)

	p := fleet.NewPlacer(st, nil)
	released, err := p.Release(context.Background(), "w1", []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released != 3 {
		t.Errorf("released = %d, want 3", released)
	}
	w, _ := st.Worker("w1")
	if w.Load != 0 {
		t.Errorf("load = %d, want floored at 0", w.Load)
	}
}
