package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// InProcessRunner executes tasks in the calling process. It shares the
// service's address space, so no memory ceiling applies; use it for
// development and tests.
type InProcessRunner struct {
	executor Executor
	logger   *zap.Logger
}

var _ capture.Runner = (*InProcessRunner)(nil)

// NewInProcessRunner constructs an InProcessRunner.
func NewInProcessRunner(executor Executor, logger *zap.Logger) *InProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessRunner{executor: executor, logger: logger}
}

// Run executes task, turning a panic into an internal Failure.
func (r *InProcessRunner) Run(ctx context.Context, task capture.Task) (report capture.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("capture panicked",
				zap.String("job_id", task.JobID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			report = capture.Report{Outcome: capture.FailedOutcome(capture.ReasonInternal)}
			err = capture.NewFailure(capture.ReasonInternal, fmt.Errorf("capture panicked: %v", rec))
		}
	}()
	return r.executor.Execute(ctx, task)
}
