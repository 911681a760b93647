// Package dispatcher is the job controller: it admits capture requests onto the
// queue, fans the queue out to a bounded pool of workers and waits for each
// submission's reply up to an overall deadline.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/worker"
)

const defaultDeadline = 60 * time.Second

// ErrShuttingDown is returned by Submit once Close has been called.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Closer is implemented by queues that can stop admitting work and hand back
// the items still waiting.
type Closer interface {
	Close()
	Drain() []capture.QueueItem
}

// Config controls Dispatcher behavior.
type Config struct {
	// Deadline bounds how long Submit waits for a terminal result.
	Deadline time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    capture.Queue
	workers  []*worker.Worker
	jobStore capture.JobStore
	clock    capture.Clock
	ids      capture.IDGenerator
	cfg      Config
	logger   *zap.Logger

	closing atomic.Bool
	reapers sync.WaitGroup
}

// New creates a Dispatcher. The size of workers is the concurrency ceiling.
func New(
	queue capture.Queue,
	workers []*worker.Worker,
	jobStore capture.JobStore,
	clock capture.Clock,
	ids capture.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		jobStore: jobStore,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Ready reports whether the dispatcher is accepting submissions.
func (d *Dispatcher) Ready() bool {
	return !d.closing.Load()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item capture.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.SetQueueDepth(d.queue.Len())
	return nil
}

// Submit admits req and blocks until its job reaches a terminal outcome or the
// overall deadline elapses. On success the caller owns the returned Result and
// must call Release on it. On timeout the job keeps running and its artifacts
// are released in the background once it finishes.
func (d *Dispatcher) Submit(ctx context.Context, req capture.Request) (*capture.Result, error) {
	if d.closing.Load() {
		return nil, ErrShuttingDown
	}
	jobID, err := d.ids.NewID()
	if err != nil {
		return nil, capture.NewFailure(capture.ReasonInternal, fmt.Errorf("generate job id: %w", err))
	}
	logger := d.logger.With(zap.String("job_id", jobID), zap.String("url", req.URL))

	item := capture.NewQueueItem(jobID, req, d.clock.Now())
	d.createJob(ctx, logger, item)

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
	defer cancel()

	if err := d.Enqueue(waitCtx, item); err != nil {
		if errors.Is(err, capture.ErrQueueClosed) {
			d.markFinished(context.WithoutCancel(ctx), logger, jobID, capture.JobFailed, capture.ReasonInternal)
			return nil, ErrShuttingDown
		}
		logger.Warn("job was not admitted before the deadline", zap.Error(err))
		d.markFinished(context.WithoutCancel(ctx), logger, jobID, capture.JobTimedOut, capture.ReasonTimeout)
		return nil, capture.NewFailure(capture.ReasonTimeout, fmt.Errorf("%w: %v", capture.ErrJobTimeout, err))
	}
	logger.Debug("job enqueued", zap.Int("queue_depth", d.queue.Len()))

	select {
	case reply := <-item.Replies():
		return reply.Result, reply.Err
	case <-waitCtx.Done():
	}

	item.Abandon()
	d.reapers.Add(1)
	go d.reap(context.WithoutCancel(ctx), logger, item)

	logger.Warn("job abandoned by submitter", zap.Duration("deadline", d.cfg.Deadline), zap.Error(waitCtx.Err()))
	return nil, capture.NewFailure(capture.ReasonTimeout, fmt.Errorf("%w: %v", capture.ErrJobTimeout, waitCtx.Err()))
}

// reap waits for an abandoned job to finish and releases whatever it produced.
// Workers store their final state before delivering, so the timed-out record
// written here is the last one.
func (d *Dispatcher) reap(ctx context.Context, logger *zap.Logger, item capture.QueueItem) {
	defer d.reapers.Done()
	reply := <-item.Replies()
	if reply.Result != nil {
		reply.Result.Release()
	}
	d.markFinished(ctx, logger, item.JobID, capture.JobTimedOut, capture.ReasonTimeout)
	logger.Debug("abandoned job reaped")
}

// Close stops admitting work, fails every job still waiting in the queue and
// waits for outstanding abandoned jobs to be reaped or ctx to finish.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closing.Store(true)
	if closer, ok := d.queue.(Closer); ok {
		closer.Close()
		for _, item := range closer.Drain() {
			item.Deliver(capture.Reply{Err: capture.NewFailure(capture.ReasonInternal, capture.ErrQueueClosed)})
		}
		metrics.SetQueueDepth(0)
	}

	done := make(chan struct{})
	go func() {
		d.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for abandoned jobs: %w", ctx.Err())
	}
}

func (d *Dispatcher) createJob(ctx context.Context, logger *zap.Logger, item capture.QueueItem) {
	if d.jobStore == nil {
		return
	}
	job := capture.Job{
		ID:        item.JobID,
		URL:       item.Request.URL,
		State:     capture.JobQueued,
		Submitted: item.Submitted,
	}
	if err := d.jobStore.CreateJob(ctx, job); err != nil {
		logger.Error("create job record failed", zap.Error(err))
	}
}

func (d *Dispatcher) markFinished(ctx context.Context, logger *zap.Logger, jobID string, state capture.JobState, reason string) {
	if d.jobStore == nil {
		return
	}
	job, err := d.jobStore.GetJob(ctx, jobID)
	if err != nil {
		logger.Warn("load job record failed", zap.Error(err))
		job = capture.Job{ID: jobID}
	}
	finished := d.clock.Now()
	job.State = state
	job.Reason = reason
	job.Finished = &finished
	if err := d.jobStore.UpdateJob(ctx, job); err != nil {
		logger.Error("update job record failed", zap.Error(err))
	}
}
