package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/fleet/fleettest"
	"github.com/soundfleet/conductor/internal/reconcile"
	"github.com/soundfleet/conductor/internal/store"
)

func newTestServer(t *testing.T) (*Server, *fleettest.Store) {
	t.Helper()
	st := fleettest.New()
	m := fleet.NewManager(st, fleet.Params{}, zap.NewNop())
	s := NewServer("127.0.0.1:0", m, zap.NewNop())
	s.SetReconciler(reconcile.New(st, m.Failover(), m.Rebalancer(), reconcile.Config{}, zap.NewNop()))
	return s, st
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	decodeBody(t, w, &errResp)
	return errResp
}

func registerWorker(t *testing.T, s *Server, id string, capacity int) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/register", RegisterRequest{
		ID:       id,
		Host:     "10.0.0.1",
		Port:     9000,
		Capacity: capacity,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: status %d, body %s", id, w.Code, w.Body.String())
	}
}

func assignStreams(t *testing.T, s *Server, id string, count int) []int64 {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/streams/assign", AssignStreamsRequest{
		ID:             id,
		RequestedCount: count,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("assign to %s: status %d, body %s", id, w.Code, w.Body.String())
	}
	var resp AssignStreamsResponse
	decodeBody(t, w, &resp)
	return resp.Assigned
}

func TestRegister(t *testing.T) {
	s, st := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/register", RegisterRequest{
		ID:       "w1",
		Host:     "10.0.0.1",
		Port:     9000,
		Capacity: 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp RegisterResponse
	decodeBody(t, w, &resp)
	if resp.Status != "registered" {
		t.Errorf("expected status registered, got %q", resp.Status)
	}
	if resp.ID != "w1" {
		t.Errorf("expected id w1, got %q", resp.ID)
	}

	worker, ok := st.Worker("w1")
	if !ok {
		t.Fatal("worker row missing after register")
	}
	if worker.Status != fleet.WorkerActive {
		t.Errorf("expected active worker, got %s", worker.Status)
	}
}

func TestRegisterReregistrationReleasesStreams(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(1, 2, 3)

	registerWorker(t, s, "w1", 5)
	assigned := assignStreams(t, s, "w1", 3)
	if len(assigned) != 3 {
		t.Fatalf("expected 3 assigned, got %d", len(assigned))
	}

	w := doJSON(t, s, http.MethodPost, "/register", RegisterRequest{
		ID:       "w1",
		Host:     "10.0.0.1",
		Port:     9000,
		Capacity: 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp RegisterResponse
	decodeBody(t, w, &resp)
	if resp.Status != "re-registered" {
		t.Errorf("expected status re-registered, got %q", resp.Status)
	}
	if resp.ReleasedStreams != 3 {
		t.Errorf("expected 3 released streams, got %d", resp.ReleasedStreams)
	}
	if len(resp.Reassigned) != 3 {
		t.Errorf("expected 3 reassigned streams, got %d", len(resp.Reassigned))
	}
}

func TestRegisterInvalidJSON(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeInvalidRequest {
		t.Errorf("expected error code %s, got %s", ErrorCodeInvalidRequest, errResp.ErrorCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/register", RegisterRequest{
		Host: "10.0.0.1",
		Port: 9000,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	errResp := decodeError(t, w)
	if errResp.ErrorCode != ErrorCodeValidationFailed {
		t.Errorf("expected error code %s, got %s", ErrorCodeValidationFailed, errResp.ErrorCode)
	}
	fields, ok := errResp.Details["fields"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected fields detail, got %v", errResp.Details)
	}
	if _, ok := fields["id"]; !ok {
		t.Errorf("expected a validation failure on id, got %v", fields)
	}

	w = doJSON(t, s, http.MethodPost, "/register", RegisterRequest{
		ID:   "w1",
		Host: "10.0.0.1",
		Port: 70000,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for out-of-range port, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRegisterZeroCapacityAccepted(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(1, 2, 3)

	w := doJSON(t, s, http.MethodPost, "/register", RegisterRequest{
		ID:   "w1",
		Host: "10.0.0.1",
		Port: 9000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected zero capacity to register, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, "/streams/assign", AssignStreamsRequest{
		ID:             "w1",
		RequestedCount: 1,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d for assign at zero capacity, got %d", http.StatusConflict, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeNoCapacity {
		t.Errorf("expected error code %s, got %s", ErrorCodeNoCapacity, errResp.ErrorCode)
	}
}

func TestHeartbeat(t *testing.T) {
	s, st := newTestServer(t)
	registerWorker(t, s, "w1", 10)

	w := doJSON(t, s, http.MethodPost, "/heartbeat", HeartbeatRequest{
		ID:   "w1",
		Load: 4,
		Metrics: &fleet.SystemMetrics{
			CPUPercent:    42.5,
			MemoryPercent: 61.0,
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp HeartbeatResponse
	decodeBody(t, w, &resp)
	if !resp.OK {
		t.Error("expected ok heartbeat")
	}

	worker, _ := st.Worker("w1")
	if worker.Load != 4 {
		t.Errorf("expected load 4 after heartbeat, got %d", worker.Load)
	}
	if len(st.Samples()) != 1 {
		t.Errorf("expected 1 metrics sample, got %d", len(st.Samples()))
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/heartbeat", HeartbeatRequest{ID: "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeInstanceNotFound {
		t.Errorf("expected error code %s, got %s", ErrorCodeInstanceNotFound, errResp.ErrorCode)
	}
}

func TestHeartbeatStoreUnavailable(t *testing.T) {
	s, st := newTestServer(t)
	registerWorker(t, s, "w1", 10)

	st.FailNext = fleet.ErrUnavailable
	w := doJSON(t, s, http.MethodPost, "/heartbeat", HeartbeatRequest{ID: "w1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	errResp := decodeError(t, w)
	if errResp.ErrorCode != ErrorCodeStoreUnavailable {
		t.Errorf("expected error code %s, got %s", ErrorCodeStoreUnavailable, errResp.ErrorCode)
	}
	if !errResp.Retryable {
		t.Error("expected unavailable errors to be retryable")
	}
}

func TestAssignStreams(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(5, 3, 9, 1, 7)
	registerWorker(t, s, "w1", 10)

	w := doJSON(t, s, http.MethodPost, "/streams/assign", AssignStreamsRequest{
		ID:             "w1",
		RequestedCount: 3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp AssignStreamsResponse
	decodeBody(t, w, &resp)
	if resp.Count != 3 {
		t.Fatalf("expected 3 assigned, got %d", resp.Count)
	}
	want := []int64{1, 3, 5}
	for i, id := range resp.Assigned {
		if id != want[i] {
			t.Errorf("assigned[%d]: expected %d, got %d", i, want[i], id)
		}
	}

	worker, _ := st.Worker("w1")
	if worker.Load != 3 {
		t.Errorf("expected load 3, got %d", worker.Load)
	}
}

func TestAssignStreamsInactiveWorker(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(1, 2)
	st.SeedWorker(fleet.Worker{
		ID:            "w1",
		Capacity:      5,
		Status:        fleet.WorkerInactive,
		LastHeartbeat: time.Now(),
	})

	w := doJSON(t, s, http.MethodPost, "/streams/assign", AssignStreamsRequest{
		ID:             "w1",
		RequestedCount: 1,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeInstanceInactive {
		t.Errorf("expected error code %s, got %s", ErrorCodeInstanceInactive, errResp.ErrorCode)
	}
}

func TestReleaseStreams(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(1, 2, 3, 4)
	registerWorker(t, s, "w1", 10)
	assignStreams(t, s, "w1", 4)

	w := doJSON(t, s, http.MethodPost, "/streams/release", ReleaseStreamsRequest{
		ID:        "w1",
		StreamIDs: []int64{1, 3, 99},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp ReleaseStreamsResponse
	decodeBody(t, w, &resp)
	if resp.Released != 2 {
		t.Errorf("expected 2 released, got %d", resp.Released)
	}

	worker, _ := st.Worker("w1")
	if worker.Load != 2 {
		t.Errorf("expected load 2 after release, got %d", worker.Load)
	}
}

func TestReleaseStreamsEmptyListIsNoop(t *testing.T) {
	s, _ := newTestServer(t)
	registerWorker(t, s, "w1", 10)

	w := doJSON(t, s, http.MethodPost, "/streams/release", ReleaseStreamsRequest{ID: "w1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp ReleaseStreamsResponse
	decodeBody(t, w, &resp)
	if resp.Released != 0 {
		t.Errorf("expected 0 released, got %d", resp.Released)
	}
}

func TestAssignmentsList(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(1, 2, 3)
	registerWorker(t, s, "w1", 10)
	assignStreams(t, s, "w1", 2)

	w := doJSON(t, s, http.MethodGet, "/streams/assignments", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp AssignmentsResponse
	decodeBody(t, w, &resp)
	if resp.Count != 2 {
		t.Fatalf("expected 2 assignments, got %d", resp.Count)
	}
	for _, a := range resp.Assignments {
		if a.WorkerID != "w1" {
			t.Errorf("expected assignments on w1, got %s", a.WorkerID)
		}
		if a.Status != fleet.AssignmentActive {
			t.Errorf("expected active assignment, got %s", a.Status)
		}
	}
}

func TestDiagnostic(t *testing.T) {
	s, st := newTestServer(t)
	st.SetCatalog(1, 2, 3)
	registerWorker(t, s, "w1", 10)
	assignStreams(t, s, "w1", 3)

	w := doJSON(t, s, http.MethodPost, "/diagnostic", DiagnosticRequest{
		ID:           "w1",
		LocalStreams: []int64{1, 2, 4},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var d reconcile.Diagnosis
	decodeBody(t, w, &d)
	if d.Matching != 2 {
		t.Errorf("expected 2 matching, got %d", d.Matching)
	}
	if len(d.Missing) != 1 || d.Missing[0] != 3 {
		t.Errorf("expected missing [3], got %v", d.Missing)
	}
	if len(d.Extra) != 1 || d.Extra[0] != 4 {
		t.Errorf("expected extra [4], got %v", d.Extra)
	}
	if d.Consistent {
		t.Error("expected inconsistent diagnosis")
	}
}

func TestDiagnosticCountMismatch(t *testing.T) {
	s, _ := newTestServer(t)
	registerWorker(t, s, "w1", 10)

	w := doJSON(t, s, http.MethodPost, "/diagnostic", DiagnosticRequest{
		ID:           "w1",
		LocalStreams: []int64{1, 2},
		LocalCount:   5,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestDiagnosticUnknownWorker(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/diagnostic", DiagnosticRequest{ID: "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

type stubHealth struct {
	pingErr error
	snap    store.Health
}

func (s stubHealth) Ping(ctx context.Context) error          { return s.pingErr }
func (s stubHealth) Health(ctx context.Context) store.Health { return s.snap }

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %q", resp.Status)
	}
}

func TestReadyz(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetStoreHealth(stubHealth{})

	w := doJSON(t, s, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp ReadyResponse
	decodeBody(t, w, &resp)
	if !resp.Ready {
		t.Error("expected ready")
	}
}

func TestReadyzNotReadyWhenPingFails(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetStoreHealth(stubHealth{pingErr: errors.New("connection refused")})

	w := doJSON(t, s, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	var resp ReadyResponse
	decodeBody(t, w, &resp)
	if resp.Ready {
		t.Error("expected not ready")
	}
	if resp.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", resp.Status)
	}
}

func TestHealthSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetStoreHealth(stubHealth{snap: store.Health{Healthy: true, Commits: 12}})

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var snap store.Health
	decodeBody(t, w, &snap)
	if !snap.Healthy {
		t.Error("expected healthy snapshot")
	}
	if snap.Commits != 12 {
		t.Errorf("expected 12 commits, got %d", snap.Commits)
	}
}

func TestHealthNotConfigured(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeNotConfigured {
		t.Errorf("expected error code %s, got %s", ErrorCodeNotConfigured, errResp.ErrorCode)
	}
}

func TestEndpointNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeEndpointNotFound {
		t.Errorf("expected error code %s, got %s", ErrorCodeEndpointNotFound, errResp.ErrorCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/register", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
	if errResp := decodeError(t, w); errResp.ErrorCode != ErrorCodeMethodNotAllowed {
		t.Errorf("expected error code %s, got %s", ErrorCodeMethodNotAllowed, errResp.ErrorCode)
	}
}

func TestServerStartShutdown(t *testing.T) {
	st := fleettest.New()
	m := fleet.NewManager(st, fleet.Params{}, zap.NewNop())

	server, cleanup, err := StartTestServer(m)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer cleanup()

	if !server.IsRunning() {
		t.Fatal("expected running server")
	}

	resp, err := http.Get(server.URL() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if server.IsRunning() {
		t.Error("expected stopped server")
	}
}
