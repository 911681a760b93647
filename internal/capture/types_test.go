package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_ReleaseRunsOnce(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	res := NewResult("job", FormatPNG, Report{}, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Release()
		}()
	}
	wg.Wait()
	res.Release()
	assert.Equal(t, 1, calls)

	var nilResult *Result
	assert.NotPanics(t, nilResult.Release)
}

func TestReasonOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: NewFailure(ReasonUnsafeRedirect, errors.New("x")), want: ReasonUnsafeRedirect},
		{err: fmt.Errorf("wrapped: %w", NewFailure(ReasonResourceLimit, nil)), want: ReasonResourceLimit},
		{err: fmt.Errorf("job: %w", ErrJobTimeout), want: ReasonTimeout},
		{err: ErrNoResponse, want: ReasonNoResponse},
		{err: context.Canceled, want: ReasonInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonOf(tt.err), "%v", tt.err)
	}
}

func TestFailure_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "timeout", NewFailure(ReasonTimeout, nil).Error())
	err := NewFailure(ReasonEncodingFailed, ErrEncoding)
	assert.Equal(t, "encoding-failed: screenshot encoding failed", err.Error())
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestMetadataRecord(t *testing.T) {
	t.Parallel()

	var m Metadata
	m.Record(ImageSizes{Original: 100, Compressed: 40})
	m.Record(ImageSizes{Original: 50, Compressed: 10})
	assert.Equal(t, ImageSizes{Original: 150, Compressed: 50}, m.ImageSizes)
	assert.Len(t, m.Images, 2)
}

func TestQueueItem_DeliverKeepsFirstReply(t *testing.T) {
	t.Parallel()

	item := NewQueueItem("job", Request{URL: "https://example.com"}, time.Now())
	first := errors.New("first")
	item.Deliver(Reply{Err: first})
	item.Deliver(Reply{Err: errors.New("second")})

	reply := <-item.Replies()
	require.Equal(t, first, reply.Err)

	assert.False(t, item.Abandoned())
	item.Abandon()
	assert.True(t, item.Abandoned())

	var zero QueueItem
	assert.NotPanics(t, func() { zero.Deliver(Reply{}) })
	assert.False(t, zero.Abandoned())
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	out := ContentOutcome(200, map[string]string{"content-type": "text/html"}, "/tmp/x")
	assert.True(t, out.Succeeded())
	assert.Equal(t, "text/html", out.ContentType())
	assert.False(t, FailedOutcome(ReasonTimeout).Succeeded())
	assert.True(t, JobTimedOut.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.Equal(t, 1500*time.Millisecond, Request{WaitMS: 1500}.Wait())
}
