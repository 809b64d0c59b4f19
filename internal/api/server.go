// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/controller"
	"github.com/jobsift/jobsift/internal/pipeline"
	"github.com/jobsift/jobsift/internal/telemetry"
)

// PipelineController is the controller surface the API drives.
type PipelineController interface {
	Run(ctx context.Context, target pipeline.Stage) error
	Pause()
	Boost(d time.Duration)
	Status(ctx context.Context) (controller.StatusReport, error)
}

// Config controls server behavior.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// DefaultBoost applies when a boost request carries no duration.
	DefaultBoost time.Duration
}

// Server wires HTTP handlers to the pipeline controller.
type Server struct {
	router chi.Router
	ctrl   PipelineController
	store  pipeline.CheckpointStore
	cfg    Config
	logger *zap.Logger

	// runCtx is the long-lived context background runs inherit, so an API
	// request finishing does not cancel the run it started.
	runCtx context.Context
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runCtx context.Context, ctrl PipelineController, store pipeline.CheckpointStore, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ctrl:   ctrl,
		store:  store,
		cfg:    cfg,
		logger: logger,
		runCtx: runCtx,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/pipeline", func(r chi.Router) {
			r.Get("/status", s.status)
			r.Post("/run", s.run)
			r.Post("/pause", s.pause)
			r.Post("/boost", s.boost)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.Progress(ctx, pipeline.StageDiscover); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type runRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	// An empty body means a full run.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := pipeline.Stage(req.Stage)
	if target == "" {
		target = pipeline.StageAll
	}
	if target != pipeline.StageAll && !target.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown stage "+req.Stage)
		return
	}

	report, err := s.ctrl.Status(r.Context())
	if err == nil && report.State == controller.StateRunning {
		s.writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}

	go func() {
		if err := s.ctrl.Run(s.runCtx, target); err != nil {
			s.logger.Error("pipeline run ended with error",
				zap.String("stage", string(target)),
				zap.Error(err),
			)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"stage": string(target), "state": "accepted"})
}

func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Pause()
	s.writeJSON(w, http.StatusOK, map[string]string{"state": "pausing"})
}

type boostRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) boost(w http.ResponseWriter, r *http.Request) {
	var req boostRequest
	if r.Body != nil {
		// Empty bodies are allowed; the default boost window applies.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	d := time.Duration(req.Minutes) * time.Minute
	if d <= 0 {
		d = s.cfg.DefaultBoost
	}
	s.ctrl.Boost(d)
	s.writeJSON(w, http.StatusOK, map[string]any{"state": "boosted", "minutes": int(d.Minutes())})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
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

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
