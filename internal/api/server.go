package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/reconcile"
	"github.com/soundfleet/conductor/internal/store"
)

// StoreHealth is the slice of the persistence layer the health and status
// endpoints need. Satisfied by *store.DB.
type StoreHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) store.Health
}

// Server is the control API over the fleet engine. Worker traffic
// (register, heartbeat, assign, release, diagnostic) and operator traffic
// (status, rebalance, failover, consistency) share one listener.
type Server struct {
	fleet          *fleet.Manager
	reconciler     *reconcile.Reconciler
	health         StoreHealth
	metricsHandler http.Handler
	traceMW        func(http.Handler) http.Handler
	log            *zap.Logger
	validate       *validator.Validate

	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	running  bool
	addr     string
}

// NewServer creates a server bound to addr serving the given engine.
func NewServer(addr string, m *fleet.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		fleet:    m,
		log:      log,
		validate: newValidator(),
		addr:     addr,
	}
}

// SetReconciler attaches the consistency reconciler. Without it the
// diagnostic and consistency endpoints answer 503.
func (s *Server) SetReconciler(r *reconcile.Reconciler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler = r
}

// SetStoreHealth attaches the persistence layer for readiness and health.
func (s *Server) SetStoreHealth(h StoreHealth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// SetMetricsHandler attaches the metrics exposition handler.
// Must be called before Start() to take effect.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsHandler = h
}

// SetTraceMiddleware wraps every route in mw, typically a tracing span
// middleware. Must be called before Start() to take effect.
func (s *Server) SetTraceMiddleware(mw func(http.Handler) http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traceMW = mw
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverPanics)
	if s.traceMW != nil {
		r.Use(s.traceMW)
	}
	r.Use(s.logRequests)

	r.Post("/register", s.handleRegister)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/streams/assign", s.handleAssignStreams)
	r.Post("/streams/release", s.handleReleaseStreams)
	r.Get("/streams/assignments", s.handleAssignments)
	r.Post("/diagnostic", s.handleDiagnostic)

	r.Get("/status", s.handleStatus)
	r.Get("/instances", s.handleListInstances)
	r.Get("/instances/{id}", s.handleGetInstance)
	r.Delete("/instances/{id}", s.handleRemoveInstance)
	r.Get("/instances/{id}/metrics", s.handleInstanceMetrics)
	r.Post("/instances/{id}/failure", s.handleInstanceFailure)

	r.Post("/rebalance", s.handleRebalance)
	r.Get("/rebalance/check", s.handleRebalanceCheck)
	r.Get("/rebalance/history", s.handleRebalanceHistory)

	r.Get("/consistency/report", s.handleConsistencyReport)
	r.Get("/consistency/history", s.handleConsistencyHistory)
	r.Post("/consistency/check", s.handleConsistencyCheck)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, &ErrorResponse{
			ErrorType:    ErrorTypeNotFound,
			ErrorCode:    ErrorCodeEndpointNotFound,
			ErrorMessage: "Endpoint not found",
			Retryable:    false,
			Details:      map[string]interface{}{"path": r.URL.Path},
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, &ErrorResponse{
			ErrorType:    ErrorTypeInvalidArgument,
			ErrorCode:    ErrorCodeMethodNotAllowed,
			ErrorMessage: "Method not allowed",
			Retryable:    false,
			Details:      map[string]interface{}{"method": r.Method, "path": r.URL.Path},
		})
	})

	return r
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()

	s.log.Info("control api listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

// IsRunning reports whether the server is accepting requests.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTestServer starts a server on an ephemeral port and returns it with
// a cleanup function.
func StartTestServer(m *fleet.Manager) (*Server, func(), error) {
	server := NewServer("127.0.0.1:0", m, zap.NewNop())
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
