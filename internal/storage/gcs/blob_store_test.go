package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type staticFactory struct {
	client *storage.Client
	err    error
}

func (f staticFactory) NewClient(context.Context) (*storage.Client, error) {
	return f.client, f.err
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Request:    r,
	}
}

func newClient(t *testing.T, rt roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	return client
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/storage/v1/b/captures")
		return jsonResponse(r, http.StatusOK, `{"name":"captures"}`), nil
	})
	store, err := Open(context.Background(), Config{Bucket: "captures"}, staticFactory{client: client})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Bucket: "captures"}, staticFactory{err: fmt.Errorf("no credentials")})
	require.ErrorContains(t, err, "failed to create GCS client")

	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusNotFound, `{"error":{"code":404,"message":"no such bucket"}}`), nil
	})
	_, err = Open(context.Background(), Config{Bucket: "missing"}, staticFactory{client: client})
	require.ErrorContains(t, err, "failed to get GCS bucket")

	_, err = New(nil, Config{Bucket: "captures"})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		uploaded string
	)
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		uploaded = string(body)
		mu.Unlock()
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/captures/o")
		return jsonResponse(r, http.StatusOK, `{"bucket":"captures","name":"job-1/info.json"}`), nil
	})
	store, err := New(client, Config{Bucket: "captures"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/job-1/info.json", "application/json", strings.NewReader(`{"status":200}`))
	require.NoError(t, err)
	require.Equal(t, "gs://captures/job-1/info.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, uploaded, `{"status":200}`)
	require.Contains(t, uploaded, "application/json")

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}
