package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Observer receives live alerts. Delivery is best effort.
type Observer interface {
	Notify(ctx context.Context, event *Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event *Event) error

func (f ObserverFunc) Notify(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// NotifierConfig configures alert delivery.
type NotifierConfig struct {
	// Filter selects which events are alerted on. Defaults to HighSignificance.
	Filter func(EventType) bool
	// RatePerSecond and Burst bound alert delivery.
	RatePerSecond float64
	Burst         int
	// Timeout bounds a single observer call.
	Timeout time.Duration
	Logger  *observability.Logger
}

// Notifier fans events out to observers on background goroutines.
type Notifier struct {
	mu        sync.RWMutex
	observers []Observer
	filter    func(EventType) bool
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *observability.Logger
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

// NewNotifier creates a Notifier with the given observers.
func NewNotifier(cfg NotifierConfig, observers ...Observer) *Notifier {
	if cfg.Filter == nil {
		cfg.Filter = HighSignificance
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Notifier{
		observers: observers,
		filter:    cfg.Filter,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Subscribe adds an observer.
func (n *Notifier) Subscribe(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// Notify delivers event to every observer without blocking the caller.
func (n *Notifier) Notify(ctx context.Context, event *Event) {
	if !n.filter(event.EventType) {
		return
	}
	if !n.limiter.Allow() {
		n.dropped.Add(1)
		n.logger.WithField("event_type", string(event.EventType)).Warn("alert dropped: rate limit")
		return
	}

	n.mu.RLock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.RUnlock()

	// alerts outlive the request that triggered them
	base := observability.WithLogger(context.WithoutCancel(ctx), n.logger)
	for _, o := range observers {
		o := o
		n.wg.Add(1)
		async.SafeGo(base, n.timeout, "audit alert", func(ctx context.Context) error {
			defer n.wg.Done()
			return o.Notify(ctx, event)
		})
	}
}

// Dropped reports how many alerts were shed by the rate limit.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Wait blocks until all in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
