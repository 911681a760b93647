package capture

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const downloadDirName = "downloads"

// PipelineConfig configures Pipeline.
type PipelineConfig struct {
	UserAgent string
	Machine   MachineConfig
}

// Pipeline runs one capture end to end inside a job's execution context:
// browser session, state machine, then screenshot compression.
type Pipeline struct {
	driver     Driver
	checker    URLChecker
	compressor Compressor
	cfg        PipelineConfig
	logger     *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(
	driver Driver,
	checker URLChecker,
	compressor Compressor,
	cfg PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		driver:     driver,
		checker:    checker,
		compressor: compressor,
		cfg:        cfg,
		logger:     logger,
	}
}

// Execute runs task and returns its report. When an error is returned no
// artifact of the task remains on disk except the task directory itself.
func (p *Pipeline) Execute(ctx context.Context, task Task) (Report, error) {
	logger := p.logger.With(zap.String("job_id", task.JobID), zap.String("url", task.Request.URL))
	downloads := filepath.Join(task.Dir, downloadDirName)
	defer func() {
		if err := os.RemoveAll(downloads); err != nil {
			logger.Warn("download dir cleanup failed", zap.Error(err))
		}
	}()

	session, err := p.driver.Launch(ctx, SessionOptions{
		Viewport:    task.Request.Viewport,
		UserAgent:   p.cfg.UserAgent,
		DownloadDir: downloads,
		Guard:       p.checker,
	})
	if err != nil {
		return Report{Outcome: FailedOutcome(ReasonNavigationFailed)},
			NewFailure(ReasonNavigationFailed, fmt.Errorf("launch browser: %w", err))
	}

	machine := NewMachine(session, p.checker, task.Request, task.Dir, p.cfg.Machine, logger)
	captured, runErr := machine.Run(ctx)
	if err := session.Close(); err != nil {
		logger.Warn("browser close failed", zap.Error(err))
	}
	if runErr != nil {
		logger.Info("capture failed", zap.String("reason", captured.Outcome.Reason), zap.Error(runErr))
		return Report{Outcome: captured.Outcome}, runErr
	}
	logger.Debug("capture finished",
		zap.String("outcome", string(captured.Outcome.Kind)),
		zap.Int("status", captured.Outcome.Status),
		zap.Int("hops", machine.Hops()),
		zap.Int("tiles", len(captured.Raw)),
	)

	shots, meta, err := p.compress(task, captured)
	if err != nil {
		logger.Warn("screenshot compression failed", zap.Error(err))
		return Report{Outcome: FailedOutcome(ReasonEncodingFailed)}, err
	}
	return Report{
		Outcome:     captured.Outcome,
		Screenshots: shots,
		Metadata:    meta,
	}, nil
}

// compress re-encodes every raw tile in order. Raw tiles are always removed; on
// failure the compressed tiles and the content artifact are removed as well.
func (p *Pipeline) compress(task Task, captured Capture) ([]Screenshot, Metadata, error) {
	meta := Metadata{
		OriginalScreenshots:  captured.Metadata.OriginalScreenshots,
		TruncatedScreenshots: captured.Metadata.TruncatedScreenshots,
	}
	format := task.Request.Format
	if format == "" {
		format = FormatJPEG
	}
	shots := make([]Screenshot, 0, len(captured.Raw))
	for i, raw := range captured.Raw {
		path := filepath.Join(task.Dir, fmt.Sprintf("ss%d.%s", raw.Index, format))
		sizes, err := p.compressFile(raw.RawPath, path, format)
		removeFile(p.logger, raw.RawPath)
		if err != nil {
			removeFile(p.logger, path)
			for _, done := range shots {
				removeFile(p.logger, done.Path)
			}
			for _, rest := range captured.Raw[i+1:] {
				removeFile(p.logger, rest.RawPath)
			}
			removeFile(p.logger, captured.Outcome.ContentPath)
			return nil, Metadata{}, NewFailure(ReasonEncodingFailed,
				fmt.Errorf("%w: tile %d: %v", ErrEncoding, raw.Index, err))
		}
		shots = append(shots, Screenshot{Index: raw.Index, Path: path, Sizes: sizes})
		meta.Record(sizes)
	}
	return shots, meta, nil
}

func (p *Pipeline) compressFile(src, dst string, format Format) (sizes ImageSizes, err error) {
	in, err := os.Open(src) // #nosec G304 -- path produced by the machine inside the job dir.
	if err != nil {
		return ImageSizes{}, fmt.Errorf("open raw tile: %w", err)
	}
	defer func() {
		if closeErr := in.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close raw tile: %w", closeErr)
		}
	}()
	info, err := in.Stat()
	if err != nil {
		return ImageSizes{}, fmt.Errorf("stat raw tile: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- job dir path.
	if err != nil {
		return ImageSizes{}, fmt.Errorf("create tile: %w", err)
	}
	bw := bufio.NewWriter(out)
	if err := p.compressor.Compress(bufio.NewReader(in), bw, format); err != nil {
		_ = out.Close()
		return ImageSizes{}, err
	}
	if err := bw.Flush(); err != nil {
		_ = out.Close()
		return ImageSizes{}, fmt.Errorf("flush tile: %w", err)
	}
	if err := out.Close(); err != nil {
		return ImageSizes{}, fmt.Errorf("close tile: %w", err)
	}
	outInfo, err := os.Stat(dst)
	if err != nil {
		return ImageSizes{}, fmt.Errorf("stat tile: %w", err)
	}
	return ImageSizes{Original: info.Size(), Compressed: outInfo.Size()}, nil
}
