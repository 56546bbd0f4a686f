package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultSinkBuffer and DefaultSinkTimeout bound how far a slow sink may
// fall behind and how long one write may take.
const (
	DefaultSinkBuffer  = 1024
	DefaultSinkTimeout = 5 * time.Second
)

type queuedEvent struct {
	ctx   context.Context
	event *Event
}

// sinkQueue feeds one sink from a bounded buffer on its own goroutine, so a
// stalled sink delays only its own backlog.
type sinkQueue struct {
	name    string
	sink    Logger
	timeout time.Duration
	queue   chan queuedEvent
	done    chan struct{}

	failed  func(sink string, event *Event, err error)
	logger  *observability.Logger
	metrics *observability.Metrics
}

func newSinkQueue(sink Logger, buffer int, timeout time.Duration, r *Recorder) *sinkQueue {
	q := &sinkQueue{
		name:    fmt.Sprintf("%T", sink),
		sink:    sink,
		timeout: timeout,
		queue:   make(chan queuedEvent, buffer),
		done:    make(chan struct{}),
		failed:  r.sinkFailed,
		logger:  r.logger,
		metrics: r.metrics,
	}
	go q.run()
	return q
}

// enqueue never blocks. A full buffer drops the event for this sink only;
// the in-memory store already holds it.
func (q *sinkQueue) enqueue(ctx context.Context, event *Event) {
	select {
	case q.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		q.logger.WithFields(map[string]interface{}{
			"sink":       q.name,
			"event_id":   event.ID,
			"event_type": string(event.EventType),
		}).Warn("audit sink backlog full, event dropped")
		if q.metrics != nil {
			q.metrics.AuditEventsDroppedTotal.WithLabelValues(q.name).Inc()
		}
	}
}

func (q *sinkQueue) run() {
	defer close(q.done)
	for item := range q.queue {
		q.write(item)
	}
}

func (q *sinkQueue) write(item queuedEvent) {
	ctx, cancel := context.WithTimeout(item.ctx, q.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			q.failed(q.name, item.event, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := q.sink.Log(ctx, item.event); err != nil {
		q.failed(q.name, item.event, err)
	}
}

// drain stops accepting events and waits for the backlog to be written.
func (q *sinkQueue) drain() {
	close(q.queue)
	<-q.done
}

// closeQueues drains every queue concurrently.
func closeQueues(queues []*sinkQueue) {
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *sinkQueue) {
			defer wg.Done()
			q.drain()
		}(q)
	}
	wg.Wait()
}
