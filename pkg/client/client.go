// Package client submits captures to the capture service and decodes the
// multipart reply.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 90 * time.Second

// Options describes one capture request. Zero values leave the server's
// defaults in place.
type Options struct {
	URL            string
	WaitMS         *int
	MaxScreenshots *int
	Width, Height  int
	// Accept is the requested screenshot format, e.g. "image/webp".
	Accept string
}

// ImageSizes totals original and compressed screenshot bytes.
type ImageSizes struct {
	Original   int64 `json:"original"`
	Compressed int64 `json:"compressed"`
}

// Metadata describes how the screenshots were produced.
type Metadata struct {
	ImageSizes           ImageSizes   `json:"image_sizes"`
	OriginalScreenshots  int          `json:"original_screenshots_n"`
	TruncatedScreenshots int          `json:"truncated_screenshots_n"`
	Images               []ImageSizes `json:"images,omitempty"`
}

// Info is the leading JSON part of a capture reply.
type Info struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Metadata Metadata          `json:"metadata"`
}

// Part is one named payload of the reply.
type Part struct {
	Name        string
	ContentType string
	Data        []byte
}

// Capture is a decoded reply.
type Capture struct {
	Info        Info
	Document    Part
	Screenshots []Part
}

// APIError is returned for any non-200 reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("capture service returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one capture service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets the bearer key sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New returns a Client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scrapeBody struct {
	URL            string `json:"url"`
	Wait           *int   `json:"wait,omitempty"`
	MaxScreenshots *int   `json:"max_screenshots,omitempty"`
	BrowserDim     []int  `json:"browser_dim,omitempty"`
}

// Capture submits opts and waits for the finished capture.
func (c *Client) Capture(ctx context.Context, opts Options) (*Capture, error) {
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}
	body := scrapeBody{URL: opts.URL, Wait: opts.WaitMS, MaxScreenshots: opts.MaxScreenshots}
	if opts.Width > 0 || opts.Height > 0 {
		body.BrowserDim = []int{opts.Width, opts.Height}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Accept != "" {
		req.Header.Set("Accept", opts.Accept)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post scrape: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return decodeCapture(resp)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func decodeCapture(resp *http.Response) (*Capture, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	reader := multipart.NewReader(resp.Body, params["boundary"])

	var out Capture
	for i := 0; ; i++ {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", i, err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("read part %q: %w", part.FileName(), err)
		}
		p := Part{Name: part.FileName(), ContentType: part.Header.Get("Content-Type"), Data: data}
		switch i {
		case 0:
			if err := json.Unmarshal(data, &out.Info); err != nil {
				return nil, fmt.Errorf("decode info: %w", err)
			}
		case 1:
			out.Document = p
		default:
			out.Screenshots = append(out.Screenshots, p)
		}
	}
	if out.Document.Name == "" {
		return nil, errors.New("reply is missing the document part")
	}
	return &out, nil
}
