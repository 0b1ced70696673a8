// Package api provides the engine's small operational HTTP surface: a
// health endpoint for load balancers and a secret-guarded trigger for manual
// occurrence generation. The full pet-care CRUD API lives in a separate
// service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pawkeep/internal/config"
	"pawkeep/internal/types"
)

// OccurrenceGenerator is the materialization entry point the ops trigger
// drives. Satisfied by events.Materializer.
type OccurrenceGenerator interface {
	MaterializeAllActive(ctx context.Context, now time.Time) (processed int, created int, err error)
}

// HealthPinger reports whether the backing store is reachable. Satisfied by
// pgxpool.Pool.
type HealthPinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP dependencies and the router.
type Server struct {
	cfg       *config.Config
	logger    types.Logger
	clock     types.Clock
	generator OccurrenceGenerator
	db        HealthPinger

	router *chi.Mux
}

func NewServer(
	cfg *config.Config,
	logger types.Logger,
	clock types.Clock,
	generator OccurrenceGenerator,
	db HealthPinger,
) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		generator: generator,
		db:        db,
		router:    chi.NewRouter(),
	}
	s.router.Use(s.requestID, s.recoverer, s.requestLogger)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/ops/generate-events", s.handleGenerateEvents)
	return s
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

// recoverer catches panics in the handler chain and writes a standardized
// 500 response. Runs inside requestID so the response carries the ID.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"method", r.Method, "path", r.URL.Path, "panic", rec)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "internal server error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(capture, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", capture.statusCode,
			"duration", time.Since(start),
			"request_id", types.GetRequestID(r.Context()))
	})
}

// responseCapture wraps an http.ResponseWriter to observe the status code
// written by downstream handlers.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}
