package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	storemem "github.com/JakeFAU/capture-service/internal/storage/memory"
)

const (
	jobA = "0190b7a0-8c1e-7c4e-9b1a-3f3c2d1e0f01"
	jobB = "0190b7a0-8c1e-7c4e-9b1a-3f3c2d1e0f02"
)

func seededStore(t *testing.T) *storemem.JobStore {
	t.Helper()
	store := storemem.NewJobStore(0)
	ctx := context.Background()
	started := time.Unix(100, 0).UTC()
	finished := started.Add(1500 * time.Millisecond)
	require.NoError(t, store.CreateJob(ctx, capture.Job{
		ID: jobA, URL: "https://a.example", State: capture.JobSucceeded,
		Submitted: started, Started: &started, Finished: &finished, Status: 200, Screenshots: 2,
	}))
	require.NoError(t, store.CreateJob(ctx, capture.Job{
		ID: jobB, URL: "https://b.example", State: capture.JobFailed, Reason: capture.ReasonNavigationTimeout,
		Submitted: started.Add(time.Second),
	}))
	return store
}

func TestJobsHandlerGetJob(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeSubmitter{ready: true}, fakeChecker{}, seededStore(t), testConfig(nil), zap.NewNop())

	rec := serve(server, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobA, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Job jobDTO `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "succeeded", payload.Job.State)
	require.Equal(t, 2, payload.Job.Screenshots)
	require.NotNil(t, payload.Job.DurationMS)
	require.EqualValues(t, 1500, *payload.Job.DurationMS)

	rec = serve(server, httptest.NewRequest(http.MethodGet, "/v1/jobs/0190b7a0-8c1e-7c4e-9b1a-3f3c2d1e0fff", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid job_id", errorMessage(t, rec))
}

func TestJobsHandlerListJobs(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeSubmitter{ready: true}, fakeChecker{}, seededStore(t), testConfig(nil), zap.NewNop())

	rec := serve(server, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Jobs []jobDTO `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Jobs, 2)
	require.Equal(t, jobB, payload.Jobs[0].ID)

	rec = serve(server, httptest.NewRequest(http.MethodGet, "/v1/jobs?state=failed&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Jobs, 1)
	require.Equal(t, capture.ReasonNavigationTimeout, payload.Jobs[0].Reason)
}

func TestJobsHandlerRejectsBadFilters(t *testing.T) {
	t.Parallel()

	handler := NewJobsHandler(storemem.NewJobStore(0), zap.NewNop())
	for _, query := range []string{"state=done", "limit=0", "limit=abc", "offset=-1"} {
		rec := httptest.NewRecorder()
		handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestJobsHandlerStoreCapabilities(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewJobsHandler(nil, nil).ListJobs(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewJobsHandler(getOnlyStore{}, nil).ListJobs(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobA, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("job_id", jobA)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec = httptest.NewRecorder()
	NewJobsHandler(getOnlyStore{}, nil).GetJob(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "failed to load job", errorMessage(t, rec))
}

func TestParseLimitOffsetClamps(t *testing.T) {
	t.Parallel()

	limit, offset, err := parseLimitOffset(httptest.NewRequest(http.MethodGet, "/?limit=9999&offset=3", nil), defaultJobLimit, maxJobLimit)
	require.NoError(t, err)
	require.Equal(t, maxJobLimit, limit)
	require.Equal(t, 3, offset)
}

type getOnlyStore struct{}

func (getOnlyStore) CreateJob(context.Context, capture.Job) error { return nil }
func (getOnlyStore) UpdateJob(context.Context, capture.Job) error { return nil }
func (getOnlyStore) GetJob(context.Context, string) (capture.Job, error) {
	return capture.Job{}, errors.New("connection reset")
}
