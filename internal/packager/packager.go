// Package packager streams a finished capture as a multipart/mixed payload:
// info.json first, then the document, then each screenshot in capture order.
package packager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	"github.com/JakeFAU/capture-service/internal/capture"
)

const (
	// Boundary is the fixed multipart boundary token.
	Boundary = "Boundary712sAM12MVaJff23NXJ"
	// ChunkSize is the size of each body write.
	ChunkSize = 4096

	infoName           = "info.json"
	defaultContentType = "application/octet-stream"
)

// ErrNotSucceeded is returned when asked to package a failed capture.
var ErrNotSucceeded = errors.New("capture did not succeed")

// Info is the JSON document sent as the first part.
type Info struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Metadata capture.Metadata  `json:"metadata"`
}

// NewInfo builds the info document for res.
func NewInfo(res *capture.Result) Info {
	headers := res.Outcome.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return Info{
		Status:   res.Outcome.Status,
		Headers:  headers,
		Metadata: res.Metadata,
	}
}

// ContentType returns the response Content-Type header value.
func ContentType() string {
	return "multipart/mixed; boundary=" + Boundary
}

// DocumentContentType is the content type reported for the document part.
func DocumentContentType(res *capture.Result) string {
	if ct := strings.TrimSpace(res.Outcome.ContentType()); ct != "" {
		return ct
	}
	return defaultContentType
}

// DocumentName returns "main" plus the extension registered for contentType.
func DocumentName(contentType string) string {
	return "main" + ExtensionForType(contentType)
}

// ScreenshotName returns the part name of the i-th screenshot.
func ScreenshotName(i int, format capture.Format) string {
	return fmt.Sprintf("ss%d.%s", i, format)
}

// Write streams res to w. Files are read in ChunkSize pieces and never held
// in memory whole. A returned error means the stream is incomplete and the
// closing boundary was not written.
func Write(w io.Writer, res *capture.Result) error {
	if res == nil || !res.Outcome.Succeeded() {
		return ErrNotSucceeded
	}
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return fmt.Errorf("set boundary: %w", err)
	}

	part, err := mw.CreatePart(partHeader(infoName, "application/json", false))
	if err != nil {
		return fmt.Errorf("info part: %w", err)
	}
	if err := json.NewEncoder(part).Encode(NewInfo(res)); err != nil {
		return fmt.Errorf("encode info: %w", err)
	}

	contentType := DocumentContentType(res)
	part, err = mw.CreatePart(partHeader(DocumentName(contentType), contentType, true))
	if err != nil {
		return fmt.Errorf("document part: %w", err)
	}
	if err := copyFile(part, res.Outcome.ContentPath); err != nil {
		return fmt.Errorf("document body: %w", err)
	}

	format := res.Format
	if format == "" {
		format = capture.FormatJPEG
	}
	for i, shot := range res.Screenshots {
		part, err = mw.CreatePart(partHeader(ScreenshotName(i, format), "image/"+string(format), true))
		if err != nil {
			return fmt.Errorf("screenshot part %d: %w", i, err)
		}
		if err := copyFile(part, shot.Path); err != nil {
			return fmt.Errorf("screenshot body %d: %w", i, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}
	return nil
}

func partHeader(name, contentType string, binary bool) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; name=%q; filename=%q", name, name))
	if binary {
		h.Set("Content-Transfer-Encoding", "binary")
	}
	h.Set("Content-Type", contentType)
	return h
}

func copyFile(dst io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- artifact path produced by the capture job.
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, ChunkSize)
	// Wrapping hides ReaderFrom/WriterTo so writes stay ChunkSize bounded.
	_, err = io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{f}, buf)
	return err
}

var preferredExtensions = map[string]string{
	"text/html":              ".html",
	"application/xhtml+xml":  ".xhtml",
	"application/json":       ".json",
	"application/pdf":        ".pdf",
	"application/xml":        ".xml",
	"text/xml":               ".xml",
	"text/css":               ".css",
	"text/csv":               ".csv",
	"text/javascript":        ".js",
	"application/javascript": ".js",
	"image/jpeg":             ".jpg",
	"image/png":              ".png",
	"image/gif":              ".gif",
	"image/webp":             ".webp",
	"image/svg+xml":          ".svg",
	"application/zip":        ".zip",
	"application/gzip":       ".gz",
	"application/rss+xml":    ".rss",
	"application/atom+xml":   ".atom",
	"image/avif":             ".avif",
}

// ExtensionForType returns the extension, dot included, for a Content-Type
// value. Only the fixed table above is consulted so the part names never
// depend on the host's MIME database; unknown types, text/plain included,
// get "".
func ExtensionForType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	if mediaType == "" {
		return ""
	}
	return preferredExtensions[mediaType]
}
