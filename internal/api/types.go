package api

import (
	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/reconcile"
	"github.com/soundfleet/conductor/internal/store"
)

// RegisterRequest is the request body for POST /register.
type RegisterRequest struct {
	ID       string `json:"id" validate:"required,max=128"`
	Host     string `json:"host" validate:"required,max=255"`
	Port     int    `json:"port" validate:"required,gte=1,lte=65535"`
	Capacity int    `json:"capacity" validate:"gte=0"`
}

// RegisterResponse is the response body for POST /register.
type RegisterResponse struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"` // "registered" or "re-registered"
	ReleasedStreams int     `json:"released_streams"`
	Reassigned      []int64 `json:"reassigned,omitempty"`
	AutoRebalanced  bool    `json:"auto_rebalanced"`
}

// HeartbeatRequest is the request body for POST /heartbeat.
type HeartbeatRequest struct {
	ID      string               `json:"id" validate:"required,max=128"`
	Status  string               `json:"status" validate:"omitempty,oneof=active inactive"`
	Load    int                  `json:"load" validate:"gte=0"`
	Metrics *fleet.SystemMetrics `json:"metrics,omitempty"`
}

// HeartbeatResponse is the response body for POST /heartbeat.
type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

// AssignStreamsRequest is the request body for POST /streams/assign.
type AssignStreamsRequest struct {
	ID             string `json:"id" validate:"required,max=128"`
	RequestedCount int    `json:"requested_count" validate:"gte=0"`
}

// AssignStreamsResponse is the response body for POST /streams/assign.
type AssignStreamsResponse struct {
	ID       string  `json:"id"`
	Assigned []int64 `json:"assigned"`
	Count    int     `json:"count"`
}

// ReleaseStreamsRequest is the request body for POST /streams/release.
type ReleaseStreamsRequest struct {
	ID        string  `json:"id" validate:"required,max=128"`
	StreamIDs []int64 `json:"stream_ids"`
}

// ReleaseStreamsResponse is the response body for POST /streams/release.
type ReleaseStreamsResponse struct {
	ID       string `json:"id"`
	Released int    `json:"released"`
}

// DiagnosticRequest is the request body for POST /diagnostic.
type DiagnosticRequest struct {
	ID           string  `json:"id" validate:"required,max=128"`
	LocalStreams []int64 `json:"local_streams"`
	LocalCount   int     `json:"local_count" validate:"gte=0"`
}

// StatusResponse is the response body for GET /status. The fleet aggregate
// and the pool snapshot are filled independently; a section that cannot be
// assembled is named in Degraded instead of failing the whole request.
type StatusResponse struct {
	Fleet    *fleet.FleetStatus `json:"fleet,omitempty"`
	Store    *store.Health      `json:"store,omitempty"`
	Degraded []string           `json:"degraded,omitempty"`
}

// ListInstancesResponse is the response body for GET /instances.
type ListInstancesResponse struct {
	Instances []fleet.Worker `json:"instances"`
	Count     int            `json:"count"`
}

// InstanceResponse is the response body for GET /instances/{id}.
type InstanceResponse struct {
	fleet.Worker
	Streams []int64 `json:"streams"`
}

// RemoveInstanceResponse is the response body for DELETE /instances/{id}.
type RemoveInstanceResponse struct {
	ID         string `json:"id"`
	Unassigned int    `json:"unassigned"`
}

// InstanceMetricsResponse is the response body for GET /instances/{id}/metrics.
type InstanceMetricsResponse struct {
	ID      string                `json:"id"`
	Hours   int                   `json:"hours"`
	Samples []fleet.MetricsSample `json:"samples"`
}

// AssignmentsResponse is the response body for GET /streams/assignments.
type AssignmentsResponse struct {
	Assignments []fleet.Assignment `json:"assignments"`
	Count       int                `json:"count"`
}

// RebalanceRequest is the request body for POST /rebalance.
type RebalanceRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

// RebalanceHistoryResponse is the response body for GET /rebalance/history.
type RebalanceHistoryResponse struct {
	History []fleet.RebalanceRecord `json:"history"`
	Count   int                     `json:"count"`
}

// ConsistencyHistoryResponse is the response body for GET /consistency/history.
type ConsistencyHistoryResponse struct {
	Reports []reconcile.Report `json:"reports"`
	Count   int                `json:"count"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	ErrorType    string                 `json:"error_type"`
	ErrorCode    string                 `json:"error_code"`
	ErrorMessage string                 `json:"error_message"`
	Retryable    bool                   `json:"retryable"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// ErrorType constants for API errors.
const (
	ErrorTypeInvalidArgument = "invalid_argument"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeConflict        = "conflict"
	ErrorTypeUnavailable     = "unavailable"
	ErrorTypeInternal        = "internal"
)

// ErrorCode constants for specific error conditions.
const (
	ErrorCodeInvalidRequest   = "INVALID_REQUEST"
	ErrorCodeValidationFailed = "VALIDATION_FAILED"
	ErrorCodeInstanceNotFound = "INSTANCE_NOT_FOUND"
	ErrorCodeInstanceInactive = "INSTANCE_INACTIVE"
	ErrorCodeNoCapacity       = "NO_CAPACITY"
	ErrorCodeAlreadyAssigned  = "ALREADY_ASSIGNED"
	ErrorCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
	ErrorCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrorCodeEndpointNotFound = "ENDPOINT_NOT_FOUND"
	ErrorCodeNotConfigured    = "NOT_CONFIGURED"
)

// NewErrorResponse creates a new ErrorResponse.
func NewErrorResponse(errorType, errorCode, message string, retryable bool, details map[string]interface{}) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    errorType,
		ErrorCode:    errorCode,
		ErrorMessage: message,
		Retryable:    retryable,
		Details:      details,
	}
}

// NewInvalidRequestErrorResponse creates an error response for malformed requests.
func NewInvalidRequestErrorResponse(message string, details map[string]interface{}) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeInvalidRequest,
		ErrorMessage: message,
		Retryable:    false,
		Details:      details,
	}
}

// NewValidationErrorResponse creates an error response for field validation failures.
func NewValidationErrorResponse(fields map[string]interface{}) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeValidationFailed,
		ErrorMessage: "Request validation failed",
		Retryable:    false,
		Details:      map[string]interface{}{"fields": fields},
	}
}

// NewInternalErrorResponse creates an error response for internal errors.
func NewInternalErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInternal,
		ErrorCode:    ErrorCodeInternalError,
		ErrorMessage: message,
		Retryable:    true,
		Details:      nil,
	}
}
