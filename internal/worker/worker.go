// Package worker implements the capture job execution loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/packager"
)

const tracerName = "github.com/JakeFAU/capture-service/internal/worker"

const (
	defaultKillAfter = 2 * time.Minute
	sideEffectBudget = 30 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	// WorkDir holds one private directory per job.
	WorkDir string
	// KillAfter bounds a single job's execution regardless of its submitter.
	KillAfter time.Duration
	// ArchivePrefix is the blob path prefix for archived captures.
	ArchivePrefix string
	// Topic receives completion events when a publisher is configured.
	Topic string
}

// Worker consumes queue items and executes captures through a Runner.
type Worker struct {
	queue     capture.Queue
	runner    capture.Runner
	jobStore  capture.JobStore
	blobStore capture.BlobStore
	publisher capture.Publisher
	clock     capture.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobStore and publisher may be nil.
func New(
	queue capture.Queue,
	runner capture.Runner,
	jobStore capture.JobStore,
	blobStore capture.BlobStore,
	publisher capture.Publisher,
	clock capture.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "capture")
	}
	if cfg.KillAfter <= 0 {
		cfg.KillAfter = defaultKillAfter
	}
	metrics.Init()
	return &Worker{
		queue:     queue,
		runner:    runner,
		jobStore:  jobStore,
		blobStore: blobStore,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item capture.QueueItem) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "capture.job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("capture.job_id", item.JobID),
			attribute.String("url.full", item.Request.URL),
		),
	)
	defer span.End()
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("url", item.Request.URL))
	job := capture.Job{
		ID:        item.JobID,
		URL:       item.Request.URL,
		State:     capture.JobRunning,
		Submitted: item.Submitted,
	}

	if item.Abandoned() {
		logger.Info("skipping abandoned job")
		err := capture.NewFailure(capture.ReasonTimeout, capture.ErrJobTimeout)
		w.finish(ctx, logger, &job, capture.JobTimedOut, err.Reason, 0)
		item.Deliver(capture.Reply{Err: err})
		return
	}

	started := w.clock.Now()
	job.Started = &started
	w.saveJob(ctx, logger, job)

	dir := filepath.Join(w.cfg.WorkDir, item.JobID)
	release := func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("job dir cleanup failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Error("create job dir failed", zap.Error(err))
		failure := capture.NewFailure(capture.ReasonInternal, fmt.Errorf("create job dir: %w", err))
		w.finish(ctx, logger, &job, capture.JobFailed, failure.Reason, 0)
		item.Deliver(capture.Reply{Err: failure})
		return
	}

	metrics.IncRunningJobs()
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.KillAfter)
	report, err := w.runner.Run(runCtx, capture.Task{JobID: item.JobID, Request: item.Request, Dir: dir})
	var failure *capture.Failure
	if err != nil && !errors.As(err, &failure) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = capture.NewFailure(capture.ReasonTimeout, fmt.Errorf("%w after %s: %v", capture.ErrJobTimeout, w.cfg.KillAfter, err))
	}
	cancel()
	metrics.DecRunningJobs()
	duration := w.clock.Now().Sub(started)

	if err == nil && !report.Outcome.Succeeded() {
		err = capture.NewFailure(report.Outcome.Reason, errors.New("capture failed"))
	}
	if err != nil {
		release()
		reason := capture.ReasonOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		logger.Warn("capture job failed", zap.String("reason", reason), zap.Duration("duration", duration), zap.Error(err))
		metrics.ObserveJob(string(capture.JobFailed), duration)
		job.Status = report.Outcome.Status
		w.finish(ctx, logger, &job, capture.JobFailed, reason, 0)
		item.Deliver(capture.Reply{Err: err})
		return
	}

	result := capture.NewResult(item.JobID, item.Request.Format, report, release)
	span.SetAttributes(
		attribute.Int("http.response.status_code", report.Outcome.Status),
		attribute.Int("capture.screenshots", len(report.Screenshots)),
	)
	metrics.ObserveJob(string(capture.JobSucceeded), duration)
	metrics.ObserveScreenshotBytes(report.Metadata.ImageSizes.Original, report.Metadata.ImageSizes.Compressed)
	logger.Info("capture job succeeded",
		zap.Int("status", report.Outcome.Status),
		zap.String("outcome", string(report.Outcome.Kind)),
		zap.Int("screenshots", len(report.Screenshots)),
		zap.Duration("duration", duration),
	)

	w.archive(ctx, logger, result)
	job.Status = report.Outcome.Status
	job.Screenshots = len(report.Screenshots)
	w.finish(ctx, logger, &job, capture.JobSucceeded, "", len(report.Screenshots))
	item.Deliver(capture.Reply{Result: result})
}

// finish records the terminal state and publishes the completion event.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, job *capture.Job, state capture.JobState, reason string, screenshots int) {
	finished := w.clock.Now()
	job.State = state
	job.Reason = reason
	job.Finished = &finished
	job.Screenshots = screenshots
	w.saveJob(ctx, logger, *job)
	w.publish(ctx, logger, *job)
}

func (w *Worker) saveJob(ctx context.Context, logger *zap.Logger, job capture.Job) {
	if w.jobStore == nil {
		return
	}
	if err := w.jobStore.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		logger.Error("update job failed", zap.String("state", string(job.State)), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, job capture.Job) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":      job.ID,
		"url":         job.URL,
		"state":       job.State,
		"status":      job.Status,
		"screenshots": job.Screenshots,
		"reason":      job.Reason,
		"timestamp":   w.clock.Now().Format(time.RFC3339),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectBudget)
	defer cancel()
	id, err := w.publisher.Publish(pubCtx, w.cfg.Topic, payload)
	if err != nil {
		logger.Error("publish completion failed", zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("message_id", id))
}

func (w *Worker) archivePath(jobID, name string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, jobID, name)
}

// archive copies the capture into the blob store. Failures are logged only.
func (w *Worker) archive(ctx context.Context, logger *zap.Logger, res *capture.Result) {
	if w.blobStore == nil {
		return
	}
	arcCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectBudget)
	defer cancel()

	info, err := json.Marshal(packager.NewInfo(res))
	if err != nil {
		logger.Error("archive info encode failed", zap.Error(err))
		return
	}
	if _, err := w.blobStore.PutObject(arcCtx, w.archivePath(res.JobID, "info.json"), "application/json", bytes.NewReader(info)); err != nil {
		logger.Error("archive info failed", zap.Error(err))
		return
	}

	contentType := packager.DocumentContentType(res)
	if err := w.putFile(arcCtx, w.archivePath(res.JobID, packager.DocumentName(contentType)), contentType, res.Outcome.ContentPath); err != nil {
		logger.Error("archive document failed", zap.Error(err))
		return
	}
	for i, shot := range res.Screenshots {
		name := packager.ScreenshotName(i, res.Format)
		if err := w.putFile(arcCtx, w.archivePath(res.JobID, name), "image/"+string(res.Format), shot.Path); err != nil {
			logger.Error("archive screenshot failed", zap.Int("index", i), zap.Error(err))
			return
		}
	}
	logger.Debug("capture archived", zap.String("prefix", w.archivePath(res.JobID, "")))
}

func (w *Worker) putFile(ctx context.Context, path, contentType, src string) error {
	f, err := os.Open(src) // #nosec G304 -- artifact inside the job dir.
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := w.blobStore.PutObject(ctx, path, contentType, f); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
