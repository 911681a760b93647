// Package server builds the capture service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/api"
	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/clock/system"
	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/dispatcher"
	"github.com/JakeFAU/capture-service/internal/fetcher/headless"
	"github.com/JakeFAU/capture-service/internal/id/uuid"
	"github.com/JakeFAU/capture-service/internal/imaging"
	"github.com/JakeFAU/capture-service/internal/metrics"
	memorypublisher "github.com/JakeFAU/capture-service/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/capture-service/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/capture-service/internal/queue/memory"
	"github.com/JakeFAU/capture-service/internal/safety"
	"github.com/JakeFAU/capture-service/internal/sandbox"
	gcsstorage "github.com/JakeFAU/capture-service/internal/storage/gcs"
	localstorage "github.com/JakeFAU/capture-service/internal/storage/local"
	memoryStorage "github.com/JakeFAU/capture-service/internal/storage/memory"
	pgstore "github.com/JakeFAU/capture-service/internal/storage/postgres"
	"github.com/JakeFAU/capture-service/internal/telemetry"
	"github.com/JakeFAU/capture-service/internal/worker"
)

// CaptureCommand is the hidden subcommand that runs one job in a child process.
const CaptureCommand = "capture"

const shutdownGrace = 10 * time.Second

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	closers   []closer
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies. configPath is forwarded to
// isolated capture workers so they see the same configuration.
func Build(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Jobs.Concurrency),
		zap.String("isolation", cfg.Jobs.Isolation),
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	if err := prepareWorkDir(cfg.Capture.WorkDir, logger); err != nil {
		return nil, err
	}
	if err := setupTracing(ctx, app); err != nil {
		return nil, app.abort(err)
	}

	validator := NewValidator(cfg, logger.Named("safety"))
	validator.OnUnsafe(metrics.ObserveUnsafeURL)

	jobStore, err := setupJobStore(ctx, app)
	if err != nil {
		return nil, app.abort(err)
	}
	blobStore, err := setupArchive(ctx, app)
	if err != nil {
		return nil, app.abort(err)
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, app.abort(err)
	}
	runner, err := setupRunner(app, validator, configPath)
	if err != nil {
		return nil, app.abort(err)
	}

	clock := system.New()
	queue := queueMemory.NewQueue(cfg.Jobs.QueueDepth)
	workerCfg := worker.Config{
		WorkDir:       cfg.Capture.WorkDir,
		KillAfter:     cfg.KillAfter(),
		ArchivePrefix: cfg.Archive.Prefix,
		Topic:         cfg.Events.Topic,
	}
	workers := make([]*worker.Worker, 0, cfg.Jobs.Concurrency)
	for i := 0; i < cfg.Jobs.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			runner,
			jobStore,
			blobStore,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(
		queue,
		workers,
		jobStore,
		clock,
		uuid.New(),
		dispatcher.Config{Deadline: cfg.Deadline()},
		logger.Named("dispatcher"),
	)
	app.apiServer = api.NewServer(app.dispatch, validator, jobStore, *cfg, logger.Named("api"))
	return app, nil
}

// NewValidator builds the URL safety validator from configuration.
func NewValidator(cfg *config.Config, logger *zap.Logger) *safety.Validator {
	return safety.New(safety.Config{
		BlockedHosts:  cfg.Safety.BlockedHosts,
		LookupTimeout: cfg.LookupTimeout(),
	}, nil, logger)
}

// NewPipeline builds the in-job capture pipeline: headless Chrome, the state
// machine and the screenshot post-processor.
func NewPipeline(cfg *config.Config, checker capture.URLChecker, logger *zap.Logger) *capture.Pipeline {
	driver := headless.NewChromedp(headless.Config{
		ExecPath:      cfg.Browser.ExecPath,
		LaunchTimeout: cfg.LaunchTimeout(),
		NoSandbox:     cfg.Browser.NoSandbox,
		ExtraFlags:    cfg.Browser.Flags,
	}, logger.Named("browser"))
	return capture.NewPipeline(
		driver,
		checker,
		imaging.NewProcessor(cfg.Capture.ImageQuality),
		capture.PipelineConfig{
			UserAgent: cfg.Capture.UserAgent,
			Machine: capture.MachineConfig{
				NavigationTimeout: cfg.NavigationTimeout(),
				ActionTimeout:     cfg.ActionTimeout(),
			},
		},
		logger.Named("capture"),
	)
}

// Run serves HTTP and the worker pool until ctx is canceled or SIGINT/SIGTERM
// arrives, then drains in-flight captures.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Jobs.Concurrency))
		a.dispatch.Run(runCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout(),
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Deadline()+shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.dispatch.Close(shutdownCtx); err != nil {
		a.logger.Warn("abandoned jobs still running at shutdown", zap.Error(err))
	}
	cancelWorkers()
	<-workersDone

	a.Close()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases stores, clients and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) abort(err error) error {
	a.Close()
	return err
}

func setupTracing(ctx context.Context, app *App) error {
	cfg := app.cfg.Tracing
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Exporter:    cfg.Exporter,
		ProjectID:   cfg.ProjectID,
		SampleRatio: cfg.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	app.onClose("tracing", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	if cfg.Exporter != "" {
		app.logger.Info("exporting traces", zap.String("exporter", cfg.Exporter), zap.Float64("sample_ratio", cfg.SampleRatio))
	}
	return nil
}

func setupJobStore(ctx context.Context, app *App) (capture.JobStore, error) {
	cfg := app.cfg.Store
	switch cfg.Driver {
	case "postgres":
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: int32(cfg.MaxConns), // #nosec G115 -- validated config value.
		})
		if err != nil {
			return nil, fmt.Errorf("job store init failed: %w", err)
		}
		app.onClose("postgres", func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("job store schema: %w", err)
		}
		app.logger.Info("using postgres job store", zap.String("table", cfg.Table))
		return store, nil
	default:
		app.logger.Info("using in-memory job store", zap.Int("max_jobs", cfg.MaxJobs))
		return memoryStorage.NewJobStore(cfg.MaxJobs), nil
	}
}

func setupArchive(ctx context.Context, app *App) (capture.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Driver {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCSBucket}, nil)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs", store.Close)
		app.logger.Info("archiving captures to GCS", zap.String("bucket", cfg.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving captures locally", zap.String("path", cfg.BaseDir))
		return store, nil
	case "memory":
		app.logger.Info("archiving captures in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Debug("capture archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (capture.Publisher, error) {
	cfg := app.cfg.Events
	switch cfg.Driver {
	case "pubsub":
		pub, err := gcppublisher.Open(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.onClose("pubsub", pub.Close)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("publishing completion events in memory")
		return memorypublisher.New(), nil
	default:
		app.logger.Debug("completion events disabled")
		return nil, nil
	}
}

func setupRunner(app *App, checker capture.URLChecker, configPath string) (capture.Runner, error) {
	if app.cfg.Jobs.Isolation == config.IsolationInProcess {
		app.logger.Warn("capture jobs run in-process; memory ceilings are not enforced")
		pipeline := NewPipeline(app.cfg, checker, app.logger)
		return sandbox.NewInProcessRunner(pipeline, app.logger.Named("sandbox")), nil
	}
	args := []string{CaptureCommand}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		args = append(args, "--config", abs)
	}
	runner, err := sandbox.NewProcessRunner(sandbox.ProcessConfig{
		Args:        args,
		MemoryLimit: app.cfg.MemoryLimitBytes(),
	}, app.logger.Named("sandbox"))
	if err != nil {
		return nil, fmt.Errorf("process runner init failed: %w", err)
	}
	app.logger.Info("capture jobs run in isolated processes",
		zap.Int64("memory_limit_bytes", app.cfg.MemoryLimitBytes()),
	)
	return runner, nil
}

// prepareWorkDir creates the artifact root and removes job directories left
// behind by a previous process that did not shut down cleanly.
func prepareWorkDir(dir string, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !uuid.Valid(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			logger.Warn("stale job dir cleanup failed", zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		logger.Info("removed stale job dir", zap.String("dir", entry.Name()))
	}
	return nil
}
