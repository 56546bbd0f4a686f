package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/observability"
)

// RecorderConfig wires a Recorder.
type RecorderConfig struct {
	Clock clockwork.Clock
	Store *MemoryStore
	Sinks []Logger
	// SinkBuffer is the per-sink backlog; events beyond it are dropped for
	// that sink. SinkTimeout bounds a single sink write.
	SinkBuffer  int
	SinkTimeout time.Duration
	Notifier    *Notifier
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// Recorder is the audit log entry point. Record never returns an error,
// never panics into the caller and never waits on a sink.
type Recorder struct {
	clock    clockwork.Clock
	store    *MemoryStore
	sinks    []Logger
	queues   []*sinkQueue
	notifier *Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewRecorder creates a Recorder. A nil Store gets a default-sized one.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(DefaultCapacity, DefaultRetention)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = DefaultSinkBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	r := &Recorder{
		clock:    cfg.Clock,
		store:    cfg.Store,
		sinks:    cfg.Sinks,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.WithField("component", "audit"),
		metrics:  cfg.Metrics,
	}
	for _, sink := range cfg.Sinks {
		r.queues = append(r.queues, newSinkQueue(sink, cfg.SinkBuffer, cfg.SinkTimeout, r))
	}
	return r
}

// Record appends an event. The data map is copied so later mutation by
// the caller cannot alter the record.
func (r *Recorder) Record(ctx context.Context, eventType EventType, data map[string]interface{}) {
	event := &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Timestamp: r.clock.Now().UTC(),
		Data:      make(map[string]interface{}, len(data)),
	}
	for k, v := range data {
		event.Data[k] = v
	}

	_ = r.store.Log(ctx, event)
	if r.metrics != nil {
		r.metrics.AuditEventsTotal.WithLabelValues(string(eventType)).Inc()
	}

	r.mu.RLock()
	if !r.closed {
		for _, q := range r.queues {
			q.enqueue(ctx, event)
		}
	}
	r.mu.RUnlock()

	if r.notifier != nil {
		r.notifier.Notify(ctx, event)
	}
}

func (r *Recorder) sinkFailed(sink string, event *Event, err error) {
	r.logger.WithFields(map[string]interface{}{
		"sink":       sink,
		"event_id":   event.ID,
		"event_type": string(event.EventType),
	}).WithError(err).Warn("audit sink write failed")

	if r.metrics != nil {
		r.metrics.AuditWriteFailuresTotal.WithLabelValues(sink).Inc()
	}
}

// Store returns the in-memory retention window.
func (r *Recorder) Store() *MemoryStore {
	return r.store
}

// Close writes out every sink backlog, waits for in-flight alerts and
// closes all sinks. Events recorded afterwards reach only the in-memory
// store.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		closeQueues(r.queues)
		if r.notifier != nil {
			r.notifier.Wait()
		}
		for _, sink := range r.sinks {
			if err := sink.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}
