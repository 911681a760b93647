// Package capture defines the capture domain: requests, outcomes, artifacts and
// the state machine that drives one browser session to a terminal outcome.
package capture

import (
	"sync"
	"time"
)

// Format is a screenshot image encoding.
type Format string

// Supported screenshot encodings.
const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// Viewport is the browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Request is an accepted capture request. It is never mutated after admission.
type Request struct {
	URL            string   `json:"url"`
	WaitMS         int      `json:"wait_ms"`
	MaxScreenshots int      `json:"max_screenshots"`
	Viewport       Viewport `json:"viewport"`
	Format         Format   `json:"format"`
}

// Wait returns the post-load and post-scroll settle delay.
func (r Request) Wait() time.Duration {
	return time.Duration(r.WaitMS) * time.Millisecond
}

// OutcomeKind tags the terminal outcome of a capture.
type OutcomeKind string

// Terminal outcome kinds.
const (
	OutcomeContent  OutcomeKind = "content"
	OutcomeDownload OutcomeKind = "download"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is the terminal result of the state machine. Exactly one kind holds.
// Content and Download carry the tracked response status and headers plus the
// path of the content artifact; Failed carries only a reason.
type Outcome struct {
	Kind        OutcomeKind       `json:"kind"`
	Status      int               `json:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentPath string            `json:"content_path,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// ContentOutcome builds a Content outcome.
func ContentOutcome(status int, headers map[string]string, path string) Outcome {
	return Outcome{Kind: OutcomeContent, Status: status, Headers: headers, ContentPath: path}
}

// DownloadOutcome builds a Download outcome.
func DownloadOutcome(status int, headers map[string]string, path string) Outcome {
	return Outcome{Kind: OutcomeDownload, Status: status, Headers: headers, ContentPath: path}
}

// FailedOutcome builds a Failed outcome.
func FailedOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

// Succeeded reports whether the outcome carries content.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeContent || o.Kind == OutcomeDownload
}

// ContentType returns the tracked response content type, or an empty string.
func (o Outcome) ContentType() string {
	return o.Headers["content-type"]
}

// ImageSizes holds original and compressed byte sizes.
type ImageSizes struct {
	Original   int64 `json:"original"`
	Compressed int64 `json:"compressed"`
}

// Screenshot is one tile artifact. RawPath is set between capture and
// compression; Path is set once the tile has been compressed.
type Screenshot struct {
	Index   int        `json:"index"`
	RawPath string     `json:"raw_path,omitempty"`
	Path    string     `json:"path,omitempty"`
	Sizes   ImageSizes `json:"sizes"`
}

// Metadata describes the screenshots of a finished capture.
type Metadata struct {
	ImageSizes           ImageSizes   `json:"image_sizes"`
	OriginalScreenshots  int          `json:"original_screenshots_n"`
	TruncatedScreenshots int          `json:"truncated_screenshots_n"`
	Images               []ImageSizes `json:"images,omitempty"`
}

// Record adds one compressed image to the totals.
func (m *Metadata) Record(sizes ImageSizes) {
	m.ImageSizes.Original += sizes.Original
	m.ImageSizes.Compressed += sizes.Compressed
	m.Images = append(m.Images, sizes)
}

// Report is what one job execution hands back to the job controller.
type Report struct {
	Outcome     Outcome      `json:"outcome"`
	Screenshots []Screenshot `json:"screenshots,omitempty"`
	Metadata    Metadata     `json:"metadata"`
}

// Result is a successful capture ready for packaging. The artifacts it points at
// stay on disk until Release is called.
type Result struct {
	JobID       string
	Format      Format
	Outcome     Outcome
	Screenshots []Screenshot
	Metadata    Metadata

	releaseOnce *sync.Once
	release     func()
}

// NewResult wraps a report with the function that deletes its artifacts.
func NewResult(jobID string, format Format, report Report, release func()) *Result {
	return &Result{
		JobID:       jobID,
		Format:      format,
		Outcome:     report.Outcome,
		Screenshots: report.Screenshots,
		Metadata:    report.Metadata,
		releaseOnce: &sync.Once{},
		release:     release,
	}
}

// Release deletes the job's artifacts. Safe to call more than once.
func (r *Result) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.releaseOnce.Do(r.release)
}

// JobState is the execution state of a capture job.
type JobState string

// Job states recorded in the job store.
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed-out"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}

// Job is the persisted record of one capture job.
type Job struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	State       JobState   `json:"state"`
	Submitted   time.Time  `json:"submitted_at"`
	Started     *time.Time `json:"started_at,omitempty"`
	Finished    *time.Time `json:"finished_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Status      int        `json:"status,omitempty"`
	Screenshots int        `json:"screenshots"`
}

// Task is one unit of work handed to a Runner. Dir is the job's private
// artifact directory.
type Task struct {
	JobID   string  `json:"job_id"`
	Request Request `json:"request"`
	Dir     string  `json:"dir"`
}
