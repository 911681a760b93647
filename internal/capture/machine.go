package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// State is a Capture State Machine state.
type State int

// Machine states. ContentReady, DownloadReady and Failed are terminal.
const (
	StateNotStarted State = iota
	StateNavigating
	StateRedirecting
	StateContentReady
	StateDownloadReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateNavigating:
		return "navigating"
	case StateRedirecting:
		return "redirecting"
	case StateContentReady:
		return "content-ready"
	case StateDownloadReady:
		return "download-ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateContentReady || s == StateDownloadReady || s == StateFailed
}

const contentFileName = "content"

// MachineConfig holds the timeouts applied to driver calls.
type MachineConfig struct {
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

// Capture is the machine's output: the terminal outcome plus any raw tiles.
type Capture struct {
	Outcome  Outcome
	Raw      []Screenshot
	Metadata Metadata
}

// Machine drives one browser session from navigation to a terminal outcome.
// It is single-use and not safe for concurrent use.
type Machine struct {
	session Session
	checker URLChecker
	req     Request
	dir     string
	cfg     MachineConfig
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error

	state       State
	hop         int
	target      string
	tracked     *ResponseEvent
	contentPath string
	raw         []Screenshot
}

// NewMachine builds a machine writing artifacts under dir. checker re-validates
// every redirect target; nil disables that check.
func NewMachine(
	session Session,
	checker URLChecker,
	req Request,
	dir string,
	cfg MachineConfig,
	logger *zap.Logger,
) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		session:     session,
		checker:     checker,
		req:         req,
		dir:         dir,
		cfg:         cfg,
		logger:      logger,
		sleep:       sleepContext,
		state:       StateNotStarted,
		target:      req.URL,
		contentPath: filepath.Join(dir, contentFileName),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Hops returns how many redirect hops were followed.
func (m *Machine) Hops() int {
	return m.hop
}

// Run navigates and drives the machine to a terminal state. On failure every
// artifact written so far has been deleted by the time Run returns.
func (m *Machine) Run(ctx context.Context) (Capture, error) {
	if m.state != StateNotStarted {
		return Capture{}, errors.New("capture machine already used")
	}
	m.transition(StateNavigating)

	navCtx, cancel := withTimeout(ctx, m.cfg.NavigationTimeout)
	nav := m.session.Navigate(navCtx, m.req.URL)
	cancel()

	if err := m.drain(ctx); err != nil {
		return m.fail(err)
	}

	switch nav.Kind {
	case NavigationError:
		return m.fail(classify(nav.Err))
	case NavigationDownload:
		return m.finishDownload(ctx, nav.Download)
	default:
		return m.finishRendered(ctx, nav.Response)
	}
}

// drain delivers every response event that has arrived so far.
func (m *Machine) drain(ctx context.Context) error {
	events := m.session.Responses()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.observe(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// observe decides whether ev becomes the tracked response: it must either
// match the in-flight target or follow a tracked redirect.
func (m *Machine) observe(ctx context.Context, ev ResponseEvent) error {
	switch {
	case SameDocumentURL(ev.URL, m.target):
	case m.tracked != nil && IsRedirect(m.tracked.Status):
	default:
		return nil
	}
	return m.track(ctx, ev)
}

func (m *Machine) track(ctx context.Context, ev ResponseEvent) error {
	m.tracked = &ev
	if !IsRedirect(ev.Status) {
		if m.state == StateRedirecting {
			m.transition(StateNavigating)
		}
		return nil
	}
	location := resolveLocation(ev.URL, ev.Headers["location"])
	if location == "" {
		return nil
	}
	if m.checker != nil && !m.checker.IsSafe(ctx, location) {
		return NewFailure(ReasonUnsafeRedirect, fmt.Errorf("%w: %s", ErrUnsafeRedirect, location))
	}
	m.hop++
	m.target = location
	m.logger.Debug("following redirect",
		zap.Int("hop", m.hop),
		zap.Int("status", ev.Status),
		zap.String("location", location),
	)
	m.transition(StateRedirecting)
	return nil
}

func (m *Machine) finishDownload(ctx context.Context, download Download) (Capture, error) {
	if m.tracked == nil {
		return m.fail(NewFailure(ReasonNoResponse, ErrNoResponse))
	}
	dlCtx, cancel := withTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()
	if err := m.session.SaveDownload(dlCtx, download, m.contentPath); err != nil {
		return m.fail(classify(fmt.Errorf("save download: %w", err)))
	}
	m.transition(StateDownloadReady)
	return Capture{
		Outcome: DownloadOutcome(m.tracked.Status, m.tracked.Headers, m.contentPath),
	}, nil
}

func (m *Machine) finishRendered(ctx context.Context, navResp *ResponseEvent) (Capture, error) {
	resp := m.tracked
	if resp == nil {
		resp = navResp
	}
	if resp == nil {
		return m.fail(NewFailure(ReasonNoResponse, ErrNoResponse))
	}

	var meta Metadata
	contentType := strings.ToLower(resp.Headers["content-type"])
	switch {
	case resp.Status >= http.StatusBadRequest:
		body, err := m.body(ctx, resp.RequestID)
		if err != nil {
			m.logger.Debug("error response body unavailable", zap.Int("status", resp.Status), zap.Error(err))
			body = nil
		}
		if err := m.writeContent(body); err != nil {
			return m.fail(err)
		}
	case strings.Contains(contentType, "text/html"):
		var err error
		if meta, err = m.captureTiles(ctx); err != nil {
			return m.fail(classify(err))
		}
		body, err := m.body(ctx, resp.RequestID)
		if err != nil {
			return m.fail(classify(err))
		}
		if err := m.writeContent(body); err != nil {
			return m.fail(err)
		}
	default:
		body, err := m.body(ctx, resp.RequestID)
		if err != nil {
			return m.fail(classify(err))
		}
		if err := m.writeContent(body); err != nil {
			return m.fail(err)
		}
	}

	m.transition(StateContentReady)
	return Capture{
		Outcome:  ContentOutcome(resp.Status, resp.Headers, m.contentPath),
		Raw:      m.raw,
		Metadata: meta,
	}, nil
}

func (m *Machine) captureTiles(ctx context.Context) (Metadata, error) {
	if err := m.sleep(ctx, m.req.Wait()); err != nil {
		return Metadata{}, fmt.Errorf("settle: %w", err)
	}
	actCtx, cancel := withTimeout(ctx, m.cfg.ActionTimeout)
	height, err := m.session.PageHeight(actCtx)
	cancel()
	if err != nil {
		return Metadata{}, fmt.Errorf("page height: %w", err)
	}

	plan := PlanTiles(height, m.req.Viewport, m.req.MaxScreenshots)
	meta := Metadata{
		OriginalScreenshots:  plan.Original,
		TruncatedScreenshots: plan.Truncated(),
	}
	for _, tile := range plan.Tiles {
		if err := m.captureTile(ctx, tile); err != nil {
			return Metadata{}, err
		}
	}
	return meta, nil
}

func (m *Machine) captureTile(ctx context.Context, tile Tile) error {
	actCtx, cancel := withTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	if err := m.session.ScrollTo(actCtx, tile.OffsetY); err != nil {
		return fmt.Errorf("scroll to tile %d: %w", tile.Index, err)
	}
	if err := m.sleep(ctx, m.req.Wait()); err != nil {
		return fmt.Errorf("settle tile %d: %w", tile.Index, err)
	}
	data, err := m.session.Screenshot(actCtx)
	if err != nil {
		return fmt.Errorf("screenshot tile %d: %w", tile.Index, err)
	}
	path := filepath.Join(m.dir, fmt.Sprintf("raw-%d.png", tile.Index))
	m.raw = append(m.raw, Screenshot{
		Index:   tile.Index,
		RawPath: path,
		Sizes:   ImageSizes{Original: int64(len(data))},
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write tile %d: %w", tile.Index, err)
	}
	return nil
}

func (m *Machine) body(ctx context.Context, requestID string) ([]byte, error) {
	if requestID == "" {
		return nil, errors.New("response has no request id")
	}
	actCtx, cancel := withTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	body, err := m.session.ResponseBody(actCtx, requestID)
	if err != nil {
		return nil, fmt.Errorf("response body: %w", err)
	}
	return body, nil
}

func (m *Machine) writeContent(body []byte) error {
	if err := os.WriteFile(m.contentPath, body, 0o600); err != nil {
		return NewFailure(ReasonInternal, fmt.Errorf("write content: %w", err))
	}
	return nil
}

// fail removes every artifact written so far and enters StateFailed.
func (m *Machine) fail(err error) (Capture, error) {
	m.cleanup()
	m.transition(StateFailed)
	return Capture{Outcome: FailedOutcome(ReasonOf(err))}, err
}

func (m *Machine) cleanup() {
	removeFile(m.logger, m.contentPath)
	for _, shot := range m.raw {
		removeFile(m.logger, shot.RawPath)
	}
	m.raw = nil
}

func (m *Machine) transition(next State) {
	m.logger.Debug("capture state", zap.Stringer("from", m.state), zap.Stringer("to", next))
	m.state = next
}

// IsRedirect reports whether status is a followed redirect status.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// SameDocumentURL reports whether a and b address the same document once the
// browser's normalization is applied: scheme and host are case-insensitive,
// default ports and fragments are dropped and an empty path is "/".
func SameDocumentURL(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := url.Parse(strings.TrimSpace(a))
	ub, errB := url.Parse(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return false
	}
	return normalizeURL(ua) == normalizeURL(ub)
}

func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" || u.ForceQuery {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

func resolveLocation(base, location string) string {
	location = strings.TrimSpace(location)
	if location == "" {
		return ""
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref.String()
	}
	return baseURL.ResolveReference(ref).String()
}

// classify maps driver errors onto failure reasons.
func classify(err error) error {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return err
	case errors.Is(err, ErrUnsafeRedirect):
		return NewFailure(ReasonUnsafeRedirect, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrNavigationTimeout):
		return NewFailure(ReasonNavigationTimeout, err)
	default:
		return NewFailure(ReasonNavigationFailed, err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func removeFile(logger *zap.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("artifact cleanup failed", zap.String("path", path), zap.Error(err))
	}
}
