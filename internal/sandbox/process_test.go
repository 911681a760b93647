//go:build unix

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/capture-service/internal/capture"
)

const helperModeEnv = "SANDBOX_HELPER_MODE"

// TestHelperProcess is the child side of the process tests. It only does work
// when spawned by helperRunner.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}
	defer os.Exit(0)

	switch mode {
	case "kill":
		_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
		time.Sleep(time.Second)
	case "oom":
		fmt.Fprintln(os.Stderr, "fatal error: out of memory")
		os.Exit(2)
	case "crash":
		fmt.Fprintln(os.Stderr, "panic: something broke")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	case "garbage":
		fmt.Fprint(os.Stdout, "not json")
		return
	}

	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		zapcore.DebugLevel,
	))
	executor := executorFunc(func(_ context.Context, task capture.Task) (capture.Report, error) {
		if mode == "fail" || mode == "linger-fail" {
			return capture.Report{}, capture.NewFailure(capture.ReasonNavigationTimeout, capture.ErrNavigationTimeout)
		}
		logger.Warn("rendering page", zap.String("target", task.Request.URL))
		path := filepath.Join(task.Dir, "content")
		if err := os.WriteFile(path, []byte("child wrote this"), 0o600); err != nil {
			return capture.Report{}, err
		}
		return capture.Report{Outcome: capture.ContentOutcome(200, map[string]string{"content-type": "text/plain"}, path)}, nil
	})
	child := NewChild(executor, logger)
	child.limit = func(int64) error { return nil }
	if err := child.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if mode == "linger" || mode == "linger-fail" {
		time.Sleep(time.Minute)
	}
}

func helperRunner(t *testing.T, mode string, logger *zap.Logger) *ProcessRunner {
	t.Helper()
	runner, err := NewProcessRunner(ProcessConfig{
		Executable:  os.Args[0],
		Args:        []string{"-test.run=^TestHelperProcess$"},
		Env:         []string{helperModeEnv + "=" + mode},
		MemoryLimit: 1 << 30,
	}, logger)
	require.NoError(t, err)
	return runner
}

func helperTask(t *testing.T) capture.Task {
	t.Helper()
	return capture.Task{
		JobID:   "job-1",
		Request: capture.Request{URL: "https://example.com", Format: capture.FormatJPEG},
		Dir:     t.TempDir(),
	}
}

func TestProcessRunnerSuccessRelaysLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	runner := helperRunner(t, "ok", zap.New(core))
	task := helperTask(t)

	report, err := runner.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, capture.OutcomeContent, report.Outcome.Kind)
	assert.Equal(t, 200, report.Outcome.Status)
	data, err := os.ReadFile(report.Outcome.ContentPath)
	require.NoError(t, err)
	assert.Equal(t, "child wrote this", string(data))

	relayed := logs.FilterMessage("child: rendering page").All()
	require.Len(t, relayed, 1)
	assert.Equal(t, zapcore.WarnLevel, relayed[0].Level)
	assert.Equal(t, "https://example.com", relayed[0].ContextMap()["target"])
}

func TestProcessRunnerClassifiesExits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode   string
		reason string
	}{
		{mode: "fail", reason: capture.ReasonNavigationTimeout},
		{mode: "kill", reason: capture.ReasonResourceLimit},
		{mode: "oom", reason: capture.ReasonResourceLimit},
		{mode: "crash", reason: capture.ReasonInternal},
		{mode: "garbage", reason: capture.ReasonInternal},
	}
	for _, tc := range tests {
		t.Run(tc.mode, func(t *testing.T) {
			t.Parallel()
			_, err := helperRunner(t, tc.mode, zap.NewNop()).Run(context.Background(), helperTask(t))
			require.Error(t, err)
			assert.Equal(t, tc.reason, capture.ReasonOf(err))
		})
	}
}

func TestProcessRunnerHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := helperRunner(t, "hang", zap.NewNop()).Run(ctx, helperTask(t))
	require.ErrorIs(t, err, capture.ErrJobTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessRunnerKeepsReportWrittenBeforeDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := helperRunner(t, "linger", zap.NewNop()).Run(ctx, helperTask(t))
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, capture.OutcomeContent, report.Outcome.Kind)
	assert.Equal(t, 200, report.Outcome.Status)
}

func TestProcessRunnerKeepsFailureWrittenBeforeDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := helperRunner(t, "linger-fail", zap.NewNop()).Run(ctx, helperTask(t))
	require.Error(t, err)
	assert.Equal(t, capture.ReasonNavigationTimeout, capture.ReasonOf(err))
	assert.NotErrorIs(t, err, capture.ErrJobTimeout)
}

func TestProcessRunnerMissingExecutable(t *testing.T) {
	t.Parallel()

	runner, err := NewProcessRunner(ProcessConfig{Executable: filepath.Join(t.TempDir(), "missing")}, nil)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), helperTask(t))
	require.Error(t, err)
	assert.Equal(t, capture.ReasonInternal, capture.ReasonOf(err))
}
