package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/JakeFAU/capture-service/internal/capture"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore(0)
	ctx := context.Background()
	submitted := time.Unix(10, 0)
	job := capture.Job{ID: "job-1", URL: "https://example.com", State: capture.JobQueued, Submitted: submitted}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}

	started := time.Unix(11, 0)
	if err := store.UpdateJob(ctx, capture.Job{ID: "job-1", State: capture.JobRunning, Started: &started}); err != nil {
		t.Fatalf("UpdateJob running error = %v", err)
	}
	finished := time.Unix(12, 0)
	err := store.UpdateJob(ctx, capture.Job{
		ID:          "job-1",
		State:       capture.JobSucceeded,
		Finished:    &finished,
		Status:      200,
		Screenshots: 3,
	})
	if err != nil {
		t.Fatalf("UpdateJob succeeded error = %v", err)
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.State != capture.JobSucceeded || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if !final.Submitted.Equal(submitted) || final.URL != "https://example.com" {
		t.Fatalf("expected submission fields to persist, got %+v", final)
	}
	if final.Status != 200 || final.Screenshots != 3 {
		t.Fatalf("expected status and screenshots to persist, got %+v", final)
	}
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(0)
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, capture.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.UpdateJob(context.Background(), capture.Job{ID: "late", State: capture.JobTimedOut}); err != nil {
		t.Fatalf("UpdateJob upsert error = %v", err)
	}
	if job, err := store.GetJob(context.Background(), "late"); err != nil || job.State != capture.JobTimedOut {
		t.Fatalf("expected upserted record, got %+v err=%v", job, err)
	}
}

func TestJobStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewJobStore(2)
	ctx := context.Background()
	for i := range 3 {
		if err := store.CreateJob(ctx, capture.Job{ID: fmt.Sprintf("job-%d", i)}); err != nil {
			t.Fatalf("CreateJob(%d) error = %v", i, err)
		}
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", store.Len())
	}
	if _, err := store.GetJob(ctx, "job-0"); !errors.Is(err, capture.ErrJobNotFound) {
		t.Fatalf("expected oldest record evicted, got %v", err)
	}
}

func TestJobStoreListJobs(t *testing.T) {
	t.Parallel()

	store := NewJobStore(0)
	ctx := context.Background()
	states := []capture.JobState{capture.JobSucceeded, capture.JobFailed, capture.JobSucceeded, capture.JobQueued}
	for i, state := range states {
		if err := store.CreateJob(ctx, capture.Job{ID: fmt.Sprintf("job-%d", i), State: state}); err != nil {
			t.Fatalf("CreateJob(%d) error = %v", i, err)
		}
	}

	all, err := store.ListJobs(ctx, capture.JobFilter{})
	if err != nil || len(all) != 4 || all[0].ID != "job-3" {
		t.Fatalf("expected newest first, got %+v err=%v", all, err)
	}
	succeeded, _ := store.ListJobs(ctx, capture.JobFilter{State: capture.JobSucceeded})
	if len(succeeded) != 2 || succeeded[0].ID != "job-2" || succeeded[1].ID != "job-0" {
		t.Fatalf("unexpected filtered list %+v", succeeded)
	}
	page, _ := store.ListJobs(ctx, capture.JobFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "job-2" {
		t.Fatalf("unexpected page %+v", page)
	}
}
