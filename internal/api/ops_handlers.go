package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/fleet"
)

const (
	defaultMetricsWindowHours = 1
	maxMetricsWindowHours     = 168

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// handleStatus assembles the fleet aggregate and the pool snapshot. A
// section that cannot be produced is reported in degraded rather than
// failing the request.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse

	st, err := s.fleet.Status(r.Context())
	if err != nil {
		resp.Degraded = append(resp.Degraded, "fleet")
		s.log.Error("status snapshot failed", zap.Error(err))
	} else {
		resp.Fleet = &st
	}

	if h := s.healthHandle(); h != nil {
		snap := h.Health(r.Context())
		resp.Store = &snap
		if !snap.Healthy {
			resp.Degraded = append(resp.Degraded, "store")
		}
	}

	s.writeJSON(w, http.StatusOK, &resp)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	workers, err := s.fleet.Instances(r.Context())
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	if workers == nil {
		workers = []fleet.Worker{}
	}
	s.writeJSON(w, http.StatusOK, &ListInstancesResponse{Instances: workers, Count: len(workers)})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	worker, streams, err := s.fleet.Instance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": id})
		return
	}
	if streams == nil {
		streams = []int64{}
	}
	s.writeJSON(w, http.StatusOK, &InstanceResponse{Worker: worker, Streams: streams})
}

// handleRemoveInstance evicts a worker: its assignments flip to Unassigned
// and its row is deleted. The freed streams surface as available again.
func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	unassigned, err := s.fleet.RemoveInstance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, &RemoveInstanceResponse{ID: id, Unassigned: unassigned})
}

func (s *Server) handleInstanceMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	hours := queryInt(r, "hours", defaultMetricsWindowHours)
	if hours < 1 {
		hours = defaultMetricsWindowHours
	}
	if hours > maxMetricsWindowHours {
		hours = maxMetricsWindowHours
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	samples, err := s.fleet.InstanceMetrics(r.Context(), id, since)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": id})
		return
	}
	if samples == nil {
		samples = []fleet.MetricsSample{}
	}
	s.writeJSON(w, http.StatusOK, &InstanceMetricsResponse{ID: id, Hours: hours, Samples: samples})
}

// handleInstanceFailure forces failover handling for one worker without
// waiting for its heartbeat to expire.
func (s *Server) handleInstanceFailure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.fleet.MarkWorkerFailed(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, &result)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if r.ContentLength > 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual trigger"
	}

	record, err := s.fleet.Rebalance(r.Context(), reason)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, &record)
}

func (s *Server) handleRebalanceCheck(w http.ResponseWriter, r *http.Request) {
	ev, err := s.fleet.RebalanceCheck(r.Context())
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, &ev)
}

func (s *Server) handleRebalanceHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	history, err := s.fleet.RebalanceHistory(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	if history == nil {
		history = []fleet.RebalanceRecord{}
	}
	s.writeJSON(w, http.StatusOK, &RebalanceHistoryResponse{History: history, Count: len(history)})
}

func (s *Server) handleConsistencyReport(w http.ResponseWriter, r *http.Request) {
	rec := s.reconcilerHandle()
	if rec == nil {
		s.writeError(w, http.StatusServiceUnavailable, NewErrorResponse(
			ErrorTypeUnavailable, ErrorCodeNotConfigured, "Reconciler not configured", false, nil))
		return
	}

	report, ok := rec.LastReport()
	if !ok {
		var err error
		report, err = rec.Check(r.Context())
		if err != nil {
			s.writeEngineError(w, err, nil)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, &report)
}

func (s *Server) handleConsistencyHistory(w http.ResponseWriter, r *http.Request) {
	rec := s.reconcilerHandle()
	if rec == nil {
		s.writeError(w, http.StatusServiceUnavailable, NewErrorResponse(
			ErrorTypeUnavailable, ErrorCodeNotConfigured, "Reconciler not configured", false, nil))
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	reports := rec.History(limit)
	s.writeJSON(w, http.StatusOK, &ConsistencyHistoryResponse{Reports: reports, Count: len(reports)})
}

func (s *Server) handleConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	rec := s.reconcilerHandle()
	if rec == nil {
		s.writeError(w, http.StatusServiceUnavailable, NewErrorResponse(
			ErrorTypeUnavailable, ErrorCodeNotConfigured, "Reconciler not configured", false, nil))
		return
	}

	report, err := rec.Check(r.Context())
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, &report)
}
