package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/queue/memory"
	storemem "github.com/JakeFAU/capture-service/internal/storage/memory"
	"github.com/JakeFAU/capture-service/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, fixedClock{}, worker.Config{WorkDir: t.TempDir()}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w}, nil, fixedClock{}, &seqIDs{}, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil, fixedClock{}, &seqIDs{}, Config{}, zap.NewNop())

	err := dispatch.Enqueue(context.Background(), capture.NewQueueItem("job", capture.Request{}, time.Time{}))
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

// harness wires a real queue and workers around a controllable runner.
type harness struct {
	queue    *memory.Queue
	store    *storemem.JobStore
	dispatch *Dispatcher
	runner   *gateRunner
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, workers int, deadline time.Duration) *harness {
	t.Helper()
	queue := memory.NewQueue(16)
	store := storemem.NewJobStore(0)
	runner := newGateRunner()
	workDir := t.TempDir()
	pool := make([]*worker.Worker, 0, workers)
	for range workers {
		pool = append(pool, worker.New(queue, runner, store, nil, nil, fixedClock{}, worker.Config{WorkDir: workDir, KillAfter: 5 * time.Second}, zap.NewNop()))
	}
	dispatch := New(queue, pool, store, fixedClock{}, &seqIDs{}, Config{Deadline: deadline}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go dispatch.Run(ctx)
	t.Cleanup(func() {
		runner.openAll()
		cancel()
	})
	return &harness{queue: queue, store: store, dispatch: dispatch, runner: runner, cancel: cancel}
}

func request(url string) capture.Request {
	return capture.Request{URL: url, MaxScreenshots: 1, Viewport: capture.Viewport{Width: 800, Height: 600}, Format: capture.FormatJPEG}
}

func TestSubmitReturnsResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 5*time.Second)
	h.runner.openAll()

	res, err := h.dispatch.Submit(context.Background(), request("https://example.com/a"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "job-1", res.JobID)
	data, err := os.ReadFile(res.Outcome.ContentPath)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", string(data))

	res.Release()
	assert.NoDirExists(t, filepath.Dir(res.Outcome.ContentPath))

	job, err := h.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, capture.JobSucceeded, job.State)
}

func TestSubmitBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	t.Parallel()

	const pool = 2
	const jobs = 5
	h := newHarness(t, pool, 10*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, jobs)
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.dispatch.Submit(context.Background(), request(fmt.Sprintf("https://example.com/%d", i)))
			if err != nil {
				errs <- err
				return
			}
			res.Release()
		}()
		// Admit one submission at a time so queue order is deterministic.
		require.Eventually(t, func() bool {
			return h.runner.startedCount()+h.queue.Len() == i+1
		}, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return h.runner.running.Load() == pool }, time.Second, time.Millisecond)
	assert.Equal(t, jobs-pool, h.queue.Len())

	h.runner.openAll()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, h.runner.peak.Load(), int32(pool))
	started := h.runner.startedURLs()
	require.Len(t, started, jobs)
	// The first pool jobs start together; the rest follow in submission order.
	assert.ElementsMatch(t, []string{"https://example.com/0", "https://example.com/1"}, started[:pool])
	assert.Equal(t, []string{"https://example.com/2", "https://example.com/3", "https://example.com/4"}, started[pool:])
}

func TestSubmitTimeoutReapsAbandonedJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 30*time.Millisecond)

	res, err := h.dispatch.Submit(context.Background(), request("https://example.com/slow"))
	require.Nil(t, res)
	require.ErrorIs(t, err, capture.ErrJobTimeout)
	assert.Equal(t, capture.ReasonTimeout, capture.ReasonOf(err))

	require.Eventually(t, func() bool { return h.runner.lastDir() != "" }, time.Second, time.Millisecond)
	dir := h.runner.lastDir()
	assert.DirExists(t, dir)

	h.runner.openAll()
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(dir)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "job-1")
		return err == nil && job.State == capture.JobTimedOut
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.dispatch.Close(ctx))
}

func TestSubmitCallerCancelStillCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for h.runner.startedCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.dispatch.Submit(ctx, request("https://example.com/gone"))
	require.ErrorIs(t, err, capture.ErrJobTimeout)

	dir := h.runner.lastDir()
	h.runner.openAll()
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(dir)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseFailsQueuedJobsAndRejectsNewOnes(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(4)
	dispatch := New(queue, nil, storemem.NewJobStore(0), fixedClock{}, &seqIDs{}, Config{Deadline: 5 * time.Second}, zap.NewNop())
	require.True(t, dispatch.Ready())

	errCh := make(chan error, 1)
	go func() {
		_, err := dispatch.Submit(context.Background(), request("https://example.com/queued"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, dispatch.Close(context.Background()))
	assert.False(t, dispatch.Ready())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, capture.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("queued submission was not failed on close")
	}

	_, err := dispatch.Submit(context.Background(), request("https://example.com/late"))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestSubmitIDFailure(t *testing.T) {
	t.Parallel()

	dispatch := New(memory.NewQueue(1), nil, nil, fixedClock{}, &seqIDs{err: errors.New("entropy")}, Config{}, zap.NewNop())
	_, err := dispatch.Submit(context.Background(), request("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, capture.ReasonInternal, capture.ReasonOf(err))
}

// --- fakes ---

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1000, 0) }

type seqIDs struct {
	n   atomic.Int64
	err error
}

func (s *seqIDs) NewID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

// gateRunner blocks every task until the gate opens, then writes the task URL
// as the document.
type gateRunner struct {
	gate     chan struct{}
	gateOnce sync.Once
	running  atomic.Int32
	peak     atomic.Int32

	mu      sync.Mutex
	started []string
	dirs    []string
}

func newGateRunner() *gateRunner {
	return &gateRunner{gate: make(chan struct{})}
}

func (r *gateRunner) openAll() {
	r.gateOnce.Do(func() { close(r.gate) })
}

func (r *gateRunner) Run(ctx context.Context, task capture.Task) (capture.Report, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	r.mu.Lock()
	r.started = append(r.started, task.Request.URL)
	r.dirs = append(r.dirs, task.Dir)
	r.mu.Unlock()

	select {
	case <-r.gate:
	case <-ctx.Done():
		return capture.Report{}, ctx.Err()
	}
	path := filepath.Join(task.Dir, "content")
	if err := os.WriteFile(path, []byte(task.Request.URL), 0o600); err != nil {
		return capture.Report{}, err
	}
	return capture.Report{
		Outcome: capture.ContentOutcome(200, map[string]string{"content-type": "text/plain"}, path),
	}, nil
}

func (r *gateRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *gateRunner) startedURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *gateRunner) lastDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dirs) == 0 {
		return ""
	}
	return r.dirs[len(r.dirs)-1]
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ capture.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (capture.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return capture.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

func (q *blockingQueue) Len() int { return 0 }

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, capture.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (capture.QueueItem, error) {
	return capture.QueueItem{}, nil
}

func (q *errorQueue) Len() int { return 0 }
