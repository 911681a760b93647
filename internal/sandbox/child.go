package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Child is the in-process side of the isolation protocol.
type Child struct {
	executor Executor
	limit    func(int64) error
	logger   *zap.Logger
}

// NewChild constructs a Child that applies the envelope's memory limit with
// ApplyMemoryLimit before executing the task.
func NewChild(executor Executor, logger *zap.Logger) *Child {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Child{executor: executor, limit: ApplyMemoryLimit, logger: logger}
}

// Serve reads one Envelope from in, runs it and writes a Response to out. A
// returned error means no Response was written.
func (c *Child) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	var env Envelope
	if err := json.NewDecoder(in).Decode(&env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	logger := c.logger.With(zap.String("job_id", env.Task.JobID))
	if env.MemoryLimit > 0 {
		if err := c.limit(env.MemoryLimit); err != nil {
			return fmt.Errorf("apply memory limit: %w", err)
		}
		logger.Debug("memory limit applied", zap.Int64("bytes", env.MemoryLimit))
	}

	report, err := c.executor.Execute(ctx, env.Task)
	if err != nil {
		logger.Info("capture task failed", zap.Error(err))
	}
	if err := json.NewEncoder(out).Encode(responseFor(report, err)); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
