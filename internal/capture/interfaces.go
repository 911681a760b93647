package capture

import (
	"context"
	"io"
	"time"
)

// URLChecker decides whether a URL may be fetched by the service.
type URLChecker interface {
	IsSafe(ctx context.Context, rawURL string) bool
}

// SessionOptions configures one isolated browser session.
type SessionOptions struct {
	Viewport    Viewport
	UserAgent   string
	DownloadDir string
	// Guard is consulted before every document request, including redirect
	// hops. A nil Guard allows everything.
	Guard URLChecker
}

// Driver launches isolated browser sessions.
type Driver interface {
	Launch(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is one browser page. Responses delivers main-frame document response
// events in arrival order and Navigate reports the last main-frame response;
// Close releases every browser resource held by the session.
type Session interface {
	Navigate(ctx context.Context, url string) Navigation
	Responses() <-chan ResponseEvent
	ResponseBody(ctx context.Context, requestID string) ([]byte, error)
	PageHeight(ctx context.Context) (int, error)
	ScrollTo(ctx context.Context, y int) error
	Screenshot(ctx context.Context) ([]byte, error)
	SaveDownload(ctx context.Context, download Download, path string) error
	Close() error
}

// NavigationKind tags the result of Session.Navigate.
type NavigationKind int

// Navigation results.
const (
	NavigationRendered NavigationKind = iota
	NavigationDownload
	NavigationError
)

// Navigation is the typed result of a navigation: a rendered page, a started
// download, or an error. Drivers translate their native signalling into it.
type Navigation struct {
	Kind     NavigationKind
	Response *ResponseEvent
	Download Download
	Err      error
}

// Rendered builds a rendered navigation result.
func Rendered(resp *ResponseEvent) Navigation {
	return Navigation{Kind: NavigationRendered, Response: resp}
}

// DownloadStarted builds a download navigation result.
func DownloadStarted(d Download) Navigation {
	return Navigation{Kind: NavigationDownload, Download: d}
}

// NavigationFailed builds an error navigation result.
func NavigationFailed(err error) Navigation {
	return Navigation{Kind: NavigationError, Err: err}
}

// Download is a handle to a browser download in progress.
type Download struct {
	ID            string
	URL           string
	SuggestedName string
}

// ResponseEvent is a document response observed by the browser. Header names
// are lowercased.
type ResponseEvent struct {
	RequestID string
	URL       string
	Status    int
	Headers   map[string]string
}

// Compressor re-encodes a raw screenshot.
type Compressor interface {
	Compress(src io.Reader, dst io.Writer, format Format) error
}

// Runner executes one task to completion in some execution context.
type Runner interface {
	Run(ctx context.Context, task Task) (Report, error)
}

// Queue provides FIFO enqueue/dequeue semantics for capture jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Len() int
}

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// JobFilter narrows a job listing. A zero State matches every state.
type JobFilter struct {
	State  JobState
	Limit  int
	Offset int
}

// JobLister is implemented by job stores that can list recent jobs, newest
// first.
type JobLister interface {
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}
