package capture

import (
	"sync/atomic"
	"time"
)

// Reply carries a job's terminal result back to the submitter.
type Reply struct {
	Result *Result
	Err    error
}

// QueueItem wraps an admitted job waiting for a worker.
type QueueItem struct {
	JobID     string
	Request   Request
	Submitted time.Time

	reply     chan Reply
	abandoned *atomic.Bool
}

// NewQueueItem creates a queue item with a single-slot reply channel.
func NewQueueItem(jobID string, req Request, submitted time.Time) QueueItem {
	return QueueItem{
		JobID:     jobID,
		Request:   req,
		Submitted: submitted,
		reply:     make(chan Reply, 1),
		abandoned: &atomic.Bool{},
	}
}

// Deliver hands the reply to the submitter. It never blocks; only the first
// delivery is kept.
func (q QueueItem) Deliver(r Reply) {
	if q.reply == nil {
		return
	}
	select {
	case q.reply <- r:
	default:
	}
}

// Replies returns the channel the submitter waits on.
func (q QueueItem) Replies() <-chan Reply {
	return q.reply
}

// Abandon marks the item as no longer awaited by its submitter.
func (q QueueItem) Abandon() {
	if q.abandoned != nil {
		q.abandoned.Store(true)
	}
}

// Abandoned reports whether the submitter gave up waiting.
func (q QueueItem) Abandoned() bool {
	return q.abandoned != nil && q.abandoned.Load()
}
