// Package headless drives headless Chrome through chromedp for page captures.
package headless

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
)

const (
	defaultLaunchTimeout = 10 * time.Second
	// downloadGrace is how long a failed navigation waits for a download to be announced.
	downloadGrace = time.Second
	eventBuffer   = 64
)

// Config controls how Chrome is launched.
type Config struct {
	ExecPath      string
	LaunchTimeout time.Duration
	NoSandbox     bool
	ExtraFlags    map[string]any
}

// Driver implements capture.Driver with one fresh Chrome process per session.
type Driver struct {
	cfg    Config
	logger *zap.Logger
}

var _ capture.Driver = (*Driver)(nil)

// NewChromedp creates a chromedp backed driver.
func NewChromedp(cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, logger: logger}
}

func (d *Driver) launchTimeout() time.Duration {
	if d.cfg.LaunchTimeout > 0 {
		return d.cfg.LaunchTimeout
	}
	return defaultLaunchTimeout
}

func (d *Driver) allocatorOptions(opts capture.SessionOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if d.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if d.cfg.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	for name, value := range d.cfg.ExtraFlags {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	return allocOpts
}

// Launch starts Chrome and prepares a single tab. The browser is bound to ctx.
func (d *Driver) Launch(ctx context.Context, opts capture.SessionOptions) (capture.Session, error) {
	if opts.DownloadDir != "" {
		if err := os.MkdirAll(opts.DownloadDir, 0o700); err != nil {
			return nil, fmt.Errorf("create download dir: %w", err)
		}
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, d.allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(d.logger.Sugar().Debugf),
	)

	s := newSession(browserCtx, opts, d.logger)
	s.cancel = func() {
		browserCancel()
		allocCancel()
	}
	chromedp.ListenTarget(browserCtx, s.handleEvent)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(browserCtx, s.setupAction())
	}()
	timer := time.NewTimer(d.launchTimeout())
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("chromedp launch: %w", err)
		}
	case <-timer.C:
		s.cancel()
		<-done
		return nil, fmt.Errorf("chromedp launch: timed out after %s", d.launchTimeout())
	case <-ctx.Done():
		s.cancel()
		<-done
		return nil, fmt.Errorf("chromedp launch: %w", ctx.Err())
	}
	return s, nil
}

type downloadState struct {
	download capture.Download
	done     chan error
}

// session implements capture.Session on one chromedp tab.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   capture.SessionOptions
	logger *zap.Logger

	events chan capture.ResponseEvent

	mu        sync.Mutex
	mainFrame cdp.FrameID
	lastDoc   *capture.ResponseEvent
	blocked   []string
	began     chan capture.Download
	downloads map[string]*downloadState
	closeOnce sync.Once
}

func newSession(ctx context.Context, opts capture.SessionOptions, logger *zap.Logger) *session {
	return &session{
		ctx:       ctx,
		opts:      opts,
		logger:    logger,
		events:    make(chan capture.ResponseEvent, eventBuffer),
		began:     make(chan capture.Download, 1),
		downloads: make(map[string]*downloadState),
	}
}

func (s *session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("get frame tree: %w", err)
		}
		if tree != nil && tree.Frame != nil {
			s.setMainFrame(tree.Frame.ID)
		}
		vp := s.opts.Viewport
		if err := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if s.opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if s.opts.Guard != nil {
			patterns := []*fetch.RequestPattern{{
				URLPattern:   "*",
				ResourceType: network.ResourceTypeDocument,
				RequestStage: fetch.RequestStageRequest,
			}}
			if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable request guard: %w", err)
			}
		}
		if s.opts.DownloadDir != "" {
			behavior := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
				WithDownloadPath(s.opts.DownloadDir).
				WithEventsEnabled(true)
			if err := behavior.Do(ctx); err != nil {
				return fmt.Errorf("set download behavior: %w", err)
			}
		}
		return nil
	})
}

func (s *session) setMainFrame(id cdp.FrameID) {
	s.mu.Lock()
	s.mainFrame = id
	s.mu.Unlock()
}

// isMainFrame reports whether id is the top-level frame. Until the frame tree
// is known every frame qualifies.
func (s *session) isMainFrame(id cdp.FrameID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainFrame == "" || s.mainFrame == id
}

// handleEvent runs on chromedp's event goroutine and must not block. Only
// main-frame documents are reported; iframe documents never become the
// capture's response.
func (s *session) handleEvent(ev any) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if ev.Type != network.ResourceTypeDocument || ev.Response == nil || !s.isMainFrame(ev.FrameID) {
			return
		}
		s.emit(responseEvent(ev.RequestID, ev.Response))
	case *network.EventRequestWillBeSent:
		if ev.Type != network.ResourceTypeDocument || ev.RedirectResponse == nil || !s.isMainFrame(ev.FrameID) {
			return
		}
		s.emit(responseEvent(ev.RequestID, ev.RedirectResponse))
	case *fetch.EventRequestPaused:
		go s.guardRequest(ev)
	case *cdpbrowser.EventDownloadWillBegin:
		s.downloadBegan(ev)
	case *cdpbrowser.EventDownloadProgress:
		s.downloadProgress(ev)
	}
}

func responseEvent(id network.RequestID, resp *network.Response) capture.ResponseEvent {
	return capture.ResponseEvent{
		RequestID: string(id),
		URL:       resp.URL,
		Status:    int(resp.Status),
		Headers:   lowerHeaders(resp.Headers),
	}
}

func (s *session) emit(ev capture.ResponseEvent) {
	s.mu.Lock()
	if !capture.IsRedirect(ev.Status) {
		last := ev
		s.lastDoc = &last
	}
	s.mu.Unlock()
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("response event dropped", zap.String("url", ev.URL), zap.Int("status", ev.Status))
	}
}

func (s *session) guardRequest(ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(s.ctx, c.Target)
	target := ""
	if ev.Request != nil {
		target = ev.Request.URL
	}
	if s.opts.Guard.IsSafe(s.ctx, target) {
		if err := fetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
			s.logger.Debug("continue request failed", zap.String("url", target), zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	s.blocked = append(s.blocked, target)
	s.mu.Unlock()
	if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); err != nil {
		s.logger.Debug("fail request failed", zap.String("url", target), zap.Error(err))
	}
}

func (s *session) downloadBegan(ev *cdpbrowser.EventDownloadWillBegin) {
	dl := capture.Download{ID: ev.GUID, URL: ev.URL, SuggestedName: ev.SuggestedFilename}
	s.mu.Lock()
	if _, ok := s.downloads[ev.GUID]; !ok {
		s.downloads[ev.GUID] = &downloadState{download: dl, done: make(chan error, 1)}
	}
	s.mu.Unlock()
	select {
	case s.began <- dl:
	default:
	}
}

func (s *session) downloadProgress(ev *cdpbrowser.EventDownloadProgress) {
	s.mu.Lock()
	state, ok := s.downloads[ev.GUID]
	s.mu.Unlock()
	if !ok {
		return
	}
	switch ev.State {
	case cdpbrowser.DownloadProgressStateCompleted:
		state.finish(nil)
	case cdpbrowser.DownloadProgressStateCanceled:
		state.finish(errors.New("download canceled"))
	}
}

func (d *downloadState) finish(err error) {
	select {
	case d.done <- err:
	default:
	}
}

// bind derives a chromedp context from the session that also honours ctx.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(s.ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *session) Navigate(ctx context.Context, url string) capture.Navigation {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	err := chromedp.Run(runCtx, chromedp.Navigate(url))
	if err == nil {
		return capture.Rendered(s.lastDocument())
	}
	if dl, ok := s.awaitDownload(ctx); ok {
		return capture.DownloadStarted(dl)
	}
	if blocked := s.blockedURL(); blocked != "" {
		return capture.NavigationFailed(fmt.Errorf("%w: %s", capture.ErrUnsafeRedirect, blocked))
	}
	if ctxErr := runCtx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		return capture.NavigationFailed(fmt.Errorf("navigate %s: %w", url, ctxErr))
	}
	return capture.NavigationFailed(fmt.Errorf("navigate %s: %w", url, err))
}

func (s *session) awaitDownload(ctx context.Context) (capture.Download, bool) {
	select {
	case dl := <-s.began:
		return dl, true
	default:
	}
	timer := time.NewTimer(downloadGrace)
	defer timer.Stop()
	select {
	case dl := <-s.began:
		return dl, true
	case <-timer.C:
	case <-ctx.Done():
	}
	return capture.Download{}, false
}

func (s *session) lastDocument() *capture.ResponseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDoc
}

func (s *session) blockedURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocked) == 0 {
		return ""
	}
	return s.blocked[len(s.blocked)-1]
}

func (s *session) Responses() <-chan capture.ResponseEvent {
	return s.events
}

func (s *session) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()
	var body []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get response body: %w", err)
	}
	return body, nil
}

const pageHeightScript = `Math.max(
	document.documentElement ? document.documentElement.scrollHeight : 0,
	document.body ? document.body.scrollHeight : 0
)`

func (s *session) PageHeight(ctx context.Context) (int, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()
	var height float64
	if err := chromedp.Run(runCtx, chromedp.Evaluate(pageHeightScript, &height)); err != nil {
		return 0, fmt.Errorf("evaluate page height: %w", err)
	}
	return int(height), nil
}

func (s *session) ScrollTo(ctx context.Context, y int) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(fmt.Sprintf("window.scrollTo(0, %d)", y), nil)); err != nil {
		return fmt.Errorf("scroll to %d: %w", y, err)
	}
	return nil
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()
	var data []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

// SaveDownload waits for the download to complete and moves it to path.
func (s *session) SaveDownload(ctx context.Context, d capture.Download, path string) error {
	s.mu.Lock()
	state, ok := s.downloads[d.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown download %q", d.ID)
	}
	select {
	case err := <-state.done:
		if err != nil {
			return fmt.Errorf("download %s: %w", d.URL, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("wait for download: %w", ctx.Err())
	}
	return moveFile(downloadPath(s.opts.DownloadDir, d.ID), path)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		if s.cancel != nil {
			s.cancel()
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
