package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/config"
)

const maxBodyBytes = 1 << 20

// ValidationError is a request problem reported to the caller verbatim.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) *ValidationError {
	return &ValidationError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Limits bounds and defaults the fields of a capture request.
type Limits struct {
	DefaultWaitMS      int
	MaxWaitMS          int
	DefaultScreenshots int
	MaxScreenshots     int
	DefaultViewport    capture.Viewport
	MinViewport        capture.Viewport
	MaxViewport        capture.Viewport
}

// LimitsFromConfig extracts request limits from the capture configuration.
func LimitsFromConfig(cfg config.CaptureConfig) Limits {
	return Limits{
		DefaultWaitMS:      cfg.DefaultWaitMS,
		MaxWaitMS:          cfg.MaxWaitMS,
		DefaultScreenshots: cfg.DefaultScreenshots,
		MaxScreenshots:     cfg.MaxScreenshots,
		DefaultViewport:    capture.Viewport{Width: cfg.DefaultWidth, Height: cfg.DefaultHeight},
		MinViewport:        capture.Viewport{Width: cfg.MinWidth, Height: cfg.MinHeight},
		MaxViewport:        capture.Viewport{Width: cfg.MaxWidth, Height: cfg.MaxHeight},
	}
}

type scrapeRequest struct {
	URL            string `json:"url"`
	Wait           *int   `json:"wait"`
	MaxScreenshots *int   `json:"max_screenshots"`
	BrowserDim     []int  `json:"browser_dim"`
}

// acceptedFormats is ordered as it is listed in 406 responses.
var acceptedFormats = []struct {
	mediaType string
	format    capture.Format
}{
	{"image/webp", capture.FormatWebP},
	{"image/png", capture.FormatPNG},
	{"image/jpeg", capture.FormatJPEG},
	{"image/*", capture.FormatJPEG},
	{"*/*", capture.FormatJPEG},
}

// negotiateFormat maps an Accept header onto a screenshot encoding. Only exact
// values are recognized; an absent header selects JPEG.
func negotiateFormat(accept string) (capture.Format, error) {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return capture.FormatJPEG, nil
	}
	supported := make([]string, 0, len(acceptedFormats))
	for _, f := range acceptedFormats {
		if f.mediaType == accept {
			return f.format, nil
		}
		supported = append(supported, f.mediaType)
	}
	return "", &ValidationError{
		Status: http.StatusNotAcceptable,
		Message: fmt.Sprintf("Unsupported image format in Accept header (%s). Supported Accept header values are: %s",
			accept, strings.Join(supported, ", ")),
	}
}

// parseCaptureRequest decodes and validates a /scrape request. Checks run in
// a fixed order and the first failure is returned; no browser work happens
// until every check has passed.
func parseCaptureRequest(ctx context.Context, r *http.Request, limits Limits, checker capture.URLChecker) (capture.Request, error) {
	var body scrapeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return capture.Request{}, badRequest("invalid JSON")
	}

	target := strings.TrimSpace(body.URL)
	if target == "" {
		return capture.Request{}, badRequest("No URL provided")
	}
	if checker != nil && !checker.IsSafe(ctx, target) {
		return capture.Request{}, badRequest("URL was judged to be unsafe")
	}

	wait := limits.DefaultWaitMS
	if body.Wait != nil {
		wait = *body.Wait
	}
	if wait < 0 || wait > limits.MaxWaitMS {
		return capture.Request{}, badRequest(`Value %d for "wait" is unacceptable; must be between 0 and %d`, wait, limits.MaxWaitMS)
	}

	viewport := limits.DefaultViewport
	if body.BrowserDim != nil {
		if len(body.BrowserDim) != 2 {
			return capture.Request{}, badRequest("browser_dim must be [width, height]")
		}
		viewport = capture.Viewport{Width: body.BrowserDim[0], Height: body.BrowserDim[1]}
	}
	if err := checkDimension("width", viewport.Width, limits.MinViewport.Width, limits.MaxViewport.Width); err != nil {
		return capture.Request{}, err
	}
	if err := checkDimension("height", viewport.Height, limits.MinViewport.Height, limits.MaxViewport.Height); err != nil {
		return capture.Request{}, err
	}

	screenshots := limits.DefaultScreenshots
	if body.MaxScreenshots != nil {
		screenshots = *body.MaxScreenshots
	}
	if screenshots < 0 || screenshots > limits.MaxScreenshots {
		return capture.Request{}, badRequest("Value %d for max_screenshots is unacceptable; must be below %d", screenshots, limits.MaxScreenshots)
	}

	format, err := negotiateFormat(r.Header.Get("Accept"))
	if err != nil {
		return capture.Request{}, err
	}

	return capture.Request{
		URL:            target,
		WaitMS:         wait,
		MaxScreenshots: screenshots,
		Viewport:       viewport,
		Format:         format,
	}, nil
}

func checkDimension(name string, value, lo, hi int) error {
	if value < lo || value > hi {
		return badRequest("Value %d for browser %s is unacceptable; must be between %d and %d", value, name, lo, hi)
	}
	return nil
}

// asValidation reports whether err is a ValidationError.
func asValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
