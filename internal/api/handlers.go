package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/reconcile"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1024 * 1024

// readyProbeTimeout bounds the DB ping behind /readyz.
const readyProbeTimeout = 2 * time.Second

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode parses and validates a JSON request body into dst. On failure it
// writes the error envelope and reports false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON body", map[string]interface{}{"error": err.Error()}))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]interface{}, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			s.writeError(w, http.StatusBadRequest, NewValidationErrorResponse(fields))
			return false
		}
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(err.Error(), nil))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errResp)
}

// writeEngineError maps fleet error kinds onto HTTP statuses and the
// standard envelope.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, details map[string]interface{}) {
	switch {
	case errors.Is(err, fleet.ErrInvalid):
		s.writeError(w, http.StatusBadRequest,
			NewErrorResponse(ErrorTypeInvalidArgument, ErrorCodeInvalidRequest, err.Error(), false, details))
	case errors.Is(err, fleet.ErrNotFound):
		s.writeError(w, http.StatusNotFound,
			NewErrorResponse(ErrorTypeNotFound, ErrorCodeInstanceNotFound, err.Error(), false, details))
	case errors.Is(err, fleet.ErrInactive):
		s.writeError(w, http.StatusConflict,
			NewErrorResponse(ErrorTypeConflict, ErrorCodeInstanceInactive, err.Error(), false, details))
	case errors.Is(err, fleet.ErrNoCapacity):
		s.writeError(w, http.StatusConflict,
			NewErrorResponse(ErrorTypeConflict, ErrorCodeNoCapacity, err.Error(), false, details))
	case errors.Is(err, fleet.ErrAlreadyAssigned):
		s.writeError(w, http.StatusConflict,
			NewErrorResponse(ErrorTypeConflict, ErrorCodeAlreadyAssigned, err.Error(), false, details))
	case errors.Is(err, fleet.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable,
			NewErrorResponse(ErrorTypeUnavailable, ErrorCodeStoreUnavailable, err.Error(), true, details))
	default:
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
	}
}

func (s *Server) reconcilerHandle() *reconcile.Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler
}

func (s *Server) healthHandle() StoreHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, err := s.fleet.Register(r.Context(), req.ID, req.Host, req.Port, req.Capacity)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": req.ID})
		return
	}

	status := "registered"
	if out.WasReregistration {
		status = "re-registered"
	}
	s.writeJSON(w, http.StatusOK, &RegisterResponse{
		ID:              req.ID,
		Status:          status,
		ReleasedStreams: out.ReleasedStreams,
		Reassigned:      out.Reassigned,
		AutoRebalanced:  out.AutoRebalanced,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}

	status := fleet.WorkerStatus(req.Status)
	if req.Status == "" {
		status = fleet.WorkerActive
	}

	if err := s.fleet.Heartbeat(r.Context(), req.ID, req.Load, status, req.Metrics); err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": req.ID})
		return
	}
	s.writeJSON(w, http.StatusOK, &HeartbeatResponse{OK: true})
}

func (s *Server) handleAssignStreams(w http.ResponseWriter, r *http.Request) {
	var req AssignStreamsRequest
	if !s.decode(w, r, &req) {
		return
	}

	assigned, err := s.fleet.AssignStreams(r.Context(), req.ID, req.RequestedCount)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": req.ID})
		return
	}
	if assigned == nil {
		assigned = []int64{}
	}
	s.writeJSON(w, http.StatusOK, &AssignStreamsResponse{
		ID:       req.ID,
		Assigned: assigned,
		Count:    len(assigned),
	})
}

func (s *Server) handleReleaseStreams(w http.ResponseWriter, r *http.Request) {
	var req ReleaseStreamsRequest
	if !s.decode(w, r, &req) {
		return
	}

	released, err := s.fleet.ReleaseStreams(r.Context(), req.ID, req.StreamIDs)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": req.ID})
		return
	}
	s.writeJSON(w, http.StatusOK, &ReleaseStreamsResponse{ID: req.ID, Released: released})
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.fleet.Assignments(r.Context())
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	if assignments == nil {
		assignments = []fleet.Assignment{}
	}
	s.writeJSON(w, http.StatusOK, &AssignmentsResponse{
		Assignments: assignments,
		Count:       len(assignments),
	})
}

func (s *Server) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req DiagnosticRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.LocalCount != 0 && req.LocalCount != len(req.LocalStreams) {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"local_count disagrees with local_streams", map[string]interface{}{
				"local_count":   req.LocalCount,
				"local_streams": len(req.LocalStreams),
			}))
		return
	}

	rec := s.reconcilerHandle()
	if rec == nil {
		s.writeError(w, http.StatusServiceUnavailable, NewErrorResponse(
			ErrorTypeUnavailable, ErrorCodeNotConfigured, "Reconciler not configured", false, nil))
		return
	}

	d, err := rec.Diagnose(r.Context(), req.ID, req.LocalStreams)
	if err != nil {
		s.writeEngineError(w, err, map[string]interface{}{"instance_id": req.ID})
		return
	}
	s.writeJSON(w, http.StatusOK, &d)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.fleet != nil
	if h := s.healthHandle(); ready && h != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()
		ready = h.Ping(ctx) == nil
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, &ReadyResponse{Status: status, Ready: ready})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.healthHandle()
	if h == nil {
		s.writeError(w, http.StatusServiceUnavailable, NewErrorResponse(
			ErrorTypeUnavailable, ErrorCodeNotConfigured, "Persistence layer not configured", false, nil))
		return
	}

	snap := h.Health(r.Context())
	code := http.StatusOK
	if !snap.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, &snap)
}
