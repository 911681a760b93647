package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu          sync.Mutex
	events      chan ResponseEvent
	emit        []ResponseEvent
	nav         Navigation
	bodies      map[string][]byte
	bodyErr     error
	height      int
	heightErr   error
	shotErrAt   int
	scrolls     []int
	shots       int
	download    []byte
	downloadErr error
	closed      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:    make(chan ResponseEvent, 16),
		bodies:    map[string][]byte{},
		shotErrAt: -1,
	}
}

func (s *fakeSession) Navigate(_ context.Context, _ string) Navigation {
	for _, ev := range s.emit {
		s.events <- ev
	}
	return s.nav
}

func (s *fakeSession) Responses() <-chan ResponseEvent { return s.events }

func (s *fakeSession) ResponseBody(_ context.Context, requestID string) ([]byte, error) {
	if s.bodyErr != nil {
		return nil, s.bodyErr
	}
	body, ok := s.bodies[requestID]
	if !ok {
		return nil, fmt.Errorf("no body for %s", requestID)
	}
	return body, nil
}

func (s *fakeSession) PageHeight(context.Context) (int, error) { return s.height, s.heightErr }

func (s *fakeSession) ScrollTo(_ context.Context, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrolls = append(s.scrolls, y)
	return nil
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shots == s.shotErrAt {
		return nil, errors.New("screenshot exploded")
	}
	s.shots++
	return []byte(fmt.Sprintf("raw-png-%d", s.shots)), nil
}

func (s *fakeSession) SaveDownload(_ context.Context, _ Download, path string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	return os.WriteFile(path, s.download, 0o600)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDriver struct {
	session   *fakeSession
	launchErr error
	opts      SessionOptions
}

func (d *fakeDriver) Launch(_ context.Context, opts SessionOptions) (Session, error) {
	d.opts = opts
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return d.session, nil
}

type fakeChecker struct {
	unsafe map[string]bool
}

func (c fakeChecker) IsSafe(_ context.Context, rawURL string) bool {
	return !c.unsafe[rawURL]
}

type fakeCompressor struct {
	failAt int
	calls  int
}

func (c *fakeCompressor) Compress(src io.Reader, dst io.Writer, format Format) error {
	defer func() { c.calls++ }()
	if c.calls == c.failAt {
		return errors.New("codec failure")
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(dst, "%s:%d", format, len(data))
	return err
}

func noSleep(context.Context, time.Duration) error { return nil }

func htmlHeaders() map[string]string {
	return map[string]string{"content-type": "text/html; charset=utf-8"}
}

func requireDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Empty(t, names, "expected no artifacts left in %s", dir)
}
