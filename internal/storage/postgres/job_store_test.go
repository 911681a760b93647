package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/capture-service/internal/capture"
)

var jobColumns = []string{"id", "url", "state", "submitted_at", "started_at", "finished_at", "reason", "status", "screenshots"}

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	job := capture.Job{ID: "job-1", URL: "https://example.com", State: capture.JobQueued, Submitted: submitted}

	mock.ExpectExec("INSERT INTO capture_jobs").
		WithArgs("job-1", "https://example.com", "queued", submitted, pgxmock.AnyArg(), pgxmock.AnyArg(), "", 0, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	finished := time.Unix(1700000030, 0).UTC()
	job := capture.Job{ID: "job-1", State: capture.JobFailed, Reason: capture.ReasonNavigationFailed, Finished: &finished}

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("job-1", "", "failed", time.Unix(0, 0).UTC(), pgxmock.AnyArg(), pgxmock.AnyArg(), capture.ReasonNavigationFailed, 0, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpdateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	finished := submitted.Add(5 * time.Second)

	mock.ExpectQuery(`FROM capture_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(jobColumns).
			AddRow("job-1", "https://example.com", "succeeded", submitted, nil, &finished, "", 200, 3))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, capture.JobSucceeded, job.State)
	require.Equal(t, 200, job.Status)
	require.Equal(t, 3, job.Screenshots)
	require.Nil(t, job.Started)
	require.NotNil(t, job.Finished)
	require.True(t, finished.Equal(*job.Finished))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM capture_jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, capture.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFiltersByState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	state := "timed-out"

	mock.ExpectQuery(`ORDER BY submitted_at DESC`).
		WithArgs(&state, 10, 20).
		WillReturnRows(mock.NewRows(jobColumns).
			AddRow("job-2", "https://b.example", "timed-out", submitted.Add(time.Minute), nil, nil, capture.ReasonTimeout, 0, 0).
			AddRow("job-1", "https://a.example", "timed-out", submitted, nil, nil, capture.ReasonTimeout, 0, 0))

	jobs, err := store.ListJobs(context.Background(), capture.JobFilter{State: capture.JobTimedOut, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2", jobs[0].ID)
	require.Equal(t, capture.ReasonTimeout, jobs[1].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsPropagatesErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM capture_jobs").
		WithArgs(pgxmock.AnyArg(), 50, 0).
		WillReturnError(errors.New("boom"))

	_, err := store.ListJobs(context.Background(), capture.JobFilter{})
	require.ErrorContains(t, err, "list jobs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS capture_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewJobStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, "jobs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewJobStore(context.Background(), JobStoreConfig{})
	require.ErrorContains(t, err, "store.dsn")
}
