package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/capture-service/internal/capture"
)

const (
	defaultWaitDelay = 5 * time.Second
	stderrTailLines  = 16
	maxReportBytes   = 1 << 20
)

// oomMarkers are stderr fragments written when a child dies from its memory
// ceiling rather than a signal.
var oomMarkers = []string{"out of memory", "cannot allocate memory"}

// ProcessConfig configures ProcessRunner.
type ProcessConfig struct {
	// Executable is the binary to spawn; defaults to the running executable.
	Executable string
	// Args are passed to Executable, e.g. the hidden capture subcommand.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// MemoryLimit is the child's address-space ceiling in bytes.
	MemoryLimit int64
}

// ProcessRunner runs each task in a fresh child process.
type ProcessRunner struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

var _ capture.Runner = (*ProcessRunner)(nil)

// NewProcessRunner constructs a ProcessRunner.
func NewProcessRunner(cfg ProcessConfig, logger *zap.Logger) (*ProcessRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Executable = exe
	}
	return &ProcessRunner{cfg: cfg, logger: logger}, nil
}

// Run spawns the child, hands it task and waits for its report. Whatever ends
// the child, a crash, a signal or ctx, the result is a report or a
// capture.Failure; Run never hangs past ctx plus a short wait delay.
func (r *ProcessRunner) Run(ctx context.Context, task capture.Task) (capture.Report, error) {
	logger := r.logger.With(zap.String("job_id", task.JobID))
	input, err := json.Marshal(Envelope{Task: task, MemoryLimit: r.cfg.MemoryLimit})
	if err != nil {
		return capture.Report{}, capture.NewFailure(capture.ReasonInternal, fmt.Errorf("encode envelope: %w", err))
	}

	cmd := exec.CommandContext(ctx, r.cfg.Executable, r.cfg.Args...) // #nosec G204 -- executable and args come from service config.
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdin = bytes.NewReader(input)
	stdout := &limitedBuffer{limit: maxReportBytes}
	cmd.Stdout = stdout
	stderr, stderrW := io.Pipe()
	cmd.Stderr = stderrW
	cmd.WaitDelay = defaultWaitDelay
	isolate(cmd)

	tail := newTail(stderrTailLines)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relayLogs(stderr, logger, tail)
	}()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = stderrW.Close()
		<-relayDone
		return capture.Report{}, capture.NewFailure(capture.ReasonInternal, fmt.Errorf("start child: %w", err))
	}
	waitErr := cmd.Wait()
	killGroup(cmd)
	_ = stderrW.Close()
	<-relayDone
	logger.Debug("child exited", zap.Duration("duration", time.Since(start)), zap.Error(waitErr))

	// A complete response means the capture finished, even if the child was
	// killed by ctx while shutting down.
	report, decodeErr := decodeResponse(bytes.NewReader(stdout.Bytes()))
	if decodeErr == nil && (waitErr == nil || cmd.ProcessState.Success() || ctx.Err() != nil) {
		return report, nil
	}
	if ctx.Err() != nil {
		var failure *capture.Failure
		if errors.As(decodeErr, &failure) {
			return capture.Report{}, failure
		}
		return capture.Report{}, capture.NewFailure(capture.ReasonTimeout, fmt.Errorf("%w: %v", capture.ErrJobTimeout, ctx.Err()))
	}
	if waitErr == nil {
		var failure *capture.Failure
		if errors.As(decodeErr, &failure) {
			return capture.Report{}, failure
		}
		return capture.Report{}, capture.NewFailure(capture.ReasonInternal, decodeErr)
	}
	return capture.Report{}, classifyExit(waitErr, cmd.ProcessState, tail.lines(), decodeErr)
}

// classifyExit turns an abnormal child exit into a Failure. A response written
// before the exit still wins since it carries the precise reason.
func classifyExit(waitErr error, state *os.ProcessState, stderrTail []string, decodeErr error) error {
	var failure *capture.Failure
	if errors.As(decodeErr, &failure) {
		return failure
	}
	if sig, ok := signaled(state); ok {
		return capture.NewFailure(capture.ReasonResourceLimit, fmt.Errorf("%w: killed by %s", capture.ErrResourceLimit, sig))
	}
	for _, line := range stderrTail {
		lower := strings.ToLower(line)
		for _, marker := range oomMarkers {
			if strings.Contains(lower, marker) {
				return capture.NewFailure(capture.ReasonResourceLimit, fmt.Errorf("%w: %s", capture.ErrResourceLimit, line))
			}
		}
	}
	return capture.NewFailure(capture.ReasonInternal, fmt.Errorf("child exited: %w", waitErr))
}

// relayLogs re-logs the child's structured stderr through logger. Lines that
// are not JSON are logged verbatim at warn level.
func relayLogs(r io.Reader, logger *zap.Logger, tail *tail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail.add(line)
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn("child output", zap.String("line", line))
			continue
		}
		level := zapcore.InfoLevel
		if raw, ok := entry["level"].(string); ok {
			if parsed, err := zapcore.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		msg, _ := entry["msg"].(string)
		fields := make([]zap.Field, 0, len(entry))
		for key, value := range entry {
			switch key {
			case "level", "msg", "ts", "caller", "logger", "job_id":
				continue
			}
			fields = append(fields, zap.Any(key, value))
		}
		if ce := logger.Check(level, "child: "+msg); ce != nil {
			ce.Write(fields...)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("child stderr relay stopped", zap.Error(err))
	}
	_, _ = io.Copy(io.Discard, r)
}

type tail struct {
	mu   sync.Mutex
	max  int
	data []string
}

func newTail(n int) *tail {
	return &tail{max: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, line)
	if len(t.data) > t.max {
		t.data = t.data[len(t.data)-t.max:]
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.data...)
}

// limitedBuffer keeps at most limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
