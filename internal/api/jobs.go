package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	idgen "github.com/JakeFAU/capture-service/internal/id/uuid"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	jobsTimeout     = 3 * time.Second
)

// JobsHandler exposes read-only job history endpoints.
type JobsHandler struct {
	store   capture.JobStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobsHandler wires the job store and logger.
func NewJobsHandler(store capture.JobStore, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		store:   store,
		timeout: jobsTimeout,
		logger:  logger,
	}
}

// ListJobs handles GET /v1/jobs?state=&limit=&offset=. It returns
// {"jobs": [...]} newest first, 400 for invalid filters, 501 when the store
// cannot list and 503 when no store is configured.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	lister, ok := h.store.(capture.JobLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "job listing not supported")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := lister.ListJobs(ctx, capture.JobFilter{State: state, Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobDTOs(jobs)})
}

// GetJob handles GET /v1/jobs/{job_id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, capture.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

func parseJobID(r *http.Request) (string, error) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		return "", errors.New("job_id is required")
	}
	if !idgen.Valid(jobID) {
		return "", errors.New("invalid job_id")
	}
	return jobID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(input string) (capture.JobState, error) {
	switch state := capture.JobState(strings.ToLower(strings.TrimSpace(input))); state {
	case "":
		return "", nil
	case capture.JobQueued, capture.JobRunning, capture.JobSucceeded, capture.JobFailed, capture.JobTimedOut:
		return state, nil
	default:
		return "", errors.New("invalid state")
	}
}

type jobDTO struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	State       string     `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Status      int        `json:"status,omitempty"`
	Screenshots int        `json:"screenshots"`
}

func toJobDTOs(in []capture.Job) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

func toJobDTO(job capture.Job) jobDTO {
	dto := jobDTO{
		ID:          job.ID,
		URL:         job.URL,
		State:       string(job.State),
		SubmittedAt: job.Submitted,
		StartedAt:   job.Started,
		FinishedAt:  job.Finished,
		Reason:      job.Reason,
		Status:      job.Status,
		Screenshots: job.Screenshots,
	}
	if job.Started != nil && job.Finished != nil {
		ms := job.Finished.Sub(*job.Started).Milliseconds()
		dto.DurationMS = &ms
	}
	return dto
}
