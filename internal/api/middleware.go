package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/soundfleet/conductor/internal/otel"
)

// logRequests emits one structured line per request after it completes. When
// the request carries a sampled span the trace id is attached for correlation.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		}
		if traceID, _ := otel.GetTraceInfo(r.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		s.log.Info("http request", fields...)
	})
}

// recoverPanics converts a handler panic into a 500 envelope instead of
// tearing down the connection.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				s.writeError(w, http.StatusInternalServerError,
					NewInternalErrorResponse("Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
