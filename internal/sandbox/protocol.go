// Package sandbox runs capture tasks in an isolated execution context. The
// parent side spawns one child process per job with an address-space ceiling;
// the child side reads the task from stdin, runs the capture pipeline and
// writes its report to stdout. Logs travel over stderr.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// Executor runs one capture task to completion.
type Executor interface {
	Execute(ctx context.Context, task capture.Task) (capture.Report, error)
}

// Envelope is written to the child's stdin.
type Envelope struct {
	Task capture.Task `json:"task"`
	// MemoryLimit is the address-space ceiling in bytes; zero disables it.
	MemoryLimit int64 `json:"memory_limit"`
}

// Response is written to the child's stdout. Exactly one of Report and Reason
// is meaningful.
type Response struct {
	Report *capture.Report `json:"report,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Err converts a failed response back into a capture.Failure.
func (r Response) Err() error {
	if r.Reason == "" {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = r.Reason
	}
	return capture.NewFailure(r.Reason, errors.New(msg))
}

func responseFor(report capture.Report, err error) Response {
	if err != nil {
		return Response{Reason: capture.ReasonOf(err), Error: err.Error()}
	}
	return Response{Report: &report}
}

func decodeResponse(r io.Reader) (capture.Report, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return capture.Report{}, fmt.Errorf("decode child response: %w", err)
	}
	if err := resp.Err(); err != nil {
		return capture.Report{}, err
	}
	if resp.Report == nil {
		return capture.Report{}, errors.New("child response carries no report")
	}
	return *resp.Report, nil
}
