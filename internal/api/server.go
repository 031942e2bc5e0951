package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
	"github.com/JakeFAU/ingestion-runtime/internal/server"
	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

// HealthPaths are served without taking a worker slot.
var HealthPaths = []string{"/healthz", "/readyz", "/metrics"}

// Ingester handles one push delivery.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (ingest.Outcome, error)
}

// Consolidator runs one consolidation pass.
type Consolidator interface {
	Consolidate(ctx context.Context) (ingest.Report, error)
}

// Status reports the runtime lifecycle for readiness checks.
type Status interface {
	State() server.State
	Stats() server.PoolStats
}

// Server wires HTTP routes to the ingestion services.
type Server struct {
	router       chi.Router
	ingester     Ingester
	consolidator Consolidator
	status       Status
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ingester Ingester, consolidator Consolidator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ingester:     ingester,
		consolidator: consolidator,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Method(http.MethodPost, "/", server.Adapt(server.HandlerFunc(s.ingest), logger))
	r.Method(http.MethodPost, "/consolidate", server.Adapt(server.HandlerFunc(s.consolidate), logger))

	s.router = r
	return s
}

// SetStatus attaches the runtime whose state /readyz reports. Call it before
// the runtime starts serving.
func (s *Server) SetStatus(st Status) {
	s.status = st
}

// Handler returns the traced router for use with the runtime.
func (s *Server) Handler() http.Handler {
	return telemetry.Trace(s.router, "ingestion.http")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status   string `json:"status"`
	State    string `json:"state"`
	Capacity int    `json:"capacity"`
	Busy     int    `json:"busy"`
	Queued   int    `json:"queued"`
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "unavailable", State: "unknown"})
		return
	}
	state := s.status.State()
	stats := s.status.Stats()
	body := readiness{
		Status:   "ready",
		State:    state.String(),
		Capacity: stats.Capacity,
		Busy:     stats.Busy,
		Queued:   stats.Queued,
	}
	if state != server.StateAccepting {
		body.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) ingest(ctx context.Context, req *server.Request) (*server.Response, error) {
	outcome, err := s.ingester.Ingest(ctx, req.Body)
	if err != nil {
		if errors.Is(err, ingest.ErrNotConfigured) {
			return server.Text(http.StatusInternalServerError, "Service misconfigured"), nil
		}
		return nil, &server.HandlerError{Op: "ingest", Err: err}
	}
	return server.Text(http.StatusOK, outcome.Message()), nil
}

func (s *Server) consolidate(ctx context.Context, _ *server.Request) (*server.Response, error) {
	report, err := s.consolidator.Consolidate(ctx)
	if err != nil {
		if errors.Is(err, ingest.ErrNotConfigured) {
			// A 2xx keeps the scheduler from retrying a broken deployment.
			s.logger.Error("consolidation skipped, service misconfigured")
			return &server.Response{Status: http.StatusNoContent}, nil
		}
		return nil, &server.HandlerError{Op: "consolidate", Err: err}
	}
	return server.JSON(http.StatusOK, report)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.RequestIDFrom(r.Context()) == "" {
			reqID := uuid.NewString()
			w.Header().Set("X-Request-ID", reqID)
			r = r.WithContext(server.WithRequestID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", server.RequestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
