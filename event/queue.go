package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/pkg/worker"
)

// Sink receives the events drained from a Queue, one at a time
type Sink func(ev component.Event)

// Queue is the private, unbounded event queue of one control interface.
// Its own goroutine drains it into the sink, so a slow control interface
// never holds up publishers or other control interfaces.
type Queue struct {
	owner string
	q     *worker.Queue[component.Event]
}

// NewQueue creates a queue for owner that drains into sink
func NewQueue(owner string, sink Sink, logger *slog.Logger) *Queue {
	return &Queue{
		owner: owner,
		q: worker.NewQueue("events."+owner, func(_ context.Context, ev component.Event) error {
			sink(ev)
			return nil
		}, worker.WithLogger[component.Event](logger)),
	}
}

// Start begins draining
func (q *Queue) Start(ctx context.Context) error {
	return q.q.Start(ctx)
}

// Put appends ev
func (q *Queue) Put(ev component.Event) error {
	return q.q.Submit(ev)
}

// PutLatest appends ev, or replaces a still-queued event with the same key
// in place. Returns true when an older event was replaced.
func (q *Queue) PutLatest(ev Coalescing) (bool, error) {
	return q.q.SubmitKeyed(ev.Key(), ev)
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	return q.q.Len()
}

// Close stops accepting events and drains what is queued for up to timeout
func (q *Queue) Close(timeout time.Duration) error {
	return q.q.Stop(timeout)
}
