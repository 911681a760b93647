package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/dispatcher"
	idgen "github.com/JakeFAU/capture-service/internal/id/uuid"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/packager"
)

const (
	banner = "A rollicking band of pirates we, who tired of tossing on the sea, " +
		"are trying our hands at burglary, with weapons grim and gory.\n"
	genericErrorMessage = "This is a generic error message; sorry about that."
)

// Submitter runs capture requests to completion. *dispatcher.Dispatcher
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req capture.Request) (*capture.Result, error)
	Ready() bool
}

// Server wires HTTP handlers to the job controller and stores.
type Server struct {
	router    chi.Router
	submitter Submitter
	checker   capture.URLChecker
	limits    Limits
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	checker capture.URLChecker,
	jobStore capture.JobStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		submitter: submitter,
		checker:   checker,
		limits:    LimitsFromConfig(cfg.Capture),
		logger:    logger,
	}
	jobs := NewJobsHandler(jobStore, logger.Named("jobs"))

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(idgen.New().NewRequestID))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/", s.home)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKeys))
		r.Post("/scrape", s.scrape)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Get("/", jobs.ListJobs)
			r.Get("/{job_id}", jobs.GetJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) home(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(banner)); err != nil {
		s.logger.Debug("banner write failed", zap.Error(err))
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.submitter == nil || !s.submitter.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// scrape handles POST /scrape: validate, run the capture, then stream the
// multipart reply. Failures after validation are logged in full and reported
// with a generic message.
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := parseCaptureRequest(ctx, r, s.limits, s.checker)
	if err != nil {
		if verr, ok := asValidation(err); ok {
			writeError(w, verr.Status, verr.Message)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := s.logger.With(
		zap.String("request_id", RequestID(ctx)),
		zap.String("url", req.URL),
	)

	res, err := s.submitter.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, dispatcher.ErrShuttingDown) {
			logger.Warn("capture rejected during shutdown")
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		logger.Error("capture failed", zap.String("reason", capture.ReasonOf(err)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, genericErrorMessage)
		return
	}
	defer res.Release()
	logger = logger.With(zap.String("job_id", res.JobID))

	if !res.Outcome.Succeeded() {
		logger.Error("capture produced no content", zap.String("reason", res.Outcome.Reason))
		writeError(w, http.StatusInternalServerError, genericErrorMessage)
		return
	}

	w.Header().Set("Content-Type", packager.ContentType())
	w.WriteHeader(http.StatusOK)
	if err := packager.Write(w, res); err != nil {
		// Headers are gone; abort so the client sees a truncated stream.
		logger.Error("streaming capture failed", zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	logger.Debug("capture streamed",
		zap.Int("status", res.Outcome.Status),
		zap.Int("screenshots", len(res.Screenshots)),
	)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
