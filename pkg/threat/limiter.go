package threat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
)

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Limits map[Operation]Limit

	Auditor audit.Auditor
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Limiter is a fixed-window rate limiter shared across instances through
// the kv store.
type Limiter struct {
	kv      kv.Store
	limits  map[Operation]Limit
	auditor audit.Auditor
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewLimiter creates a Limiter. Limits default to DefaultLimits.
func NewLimiter(store kv.Store, cfg LimiterConfig) (*Limiter, error) {
	if store == nil {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "rate limiter requires a kv store")
	}
	if len(cfg.Limits) == 0 {
		cfg.Limits = DefaultLimits()
	}
	for op, l := range cfg.Limits {
		if l.Max <= 0 || l.Window <= 0 {
			return nil, fmt.Errorf("threat: limit %s must have positive max and window", op)
		}
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Limiter{
		kv:      store,
		limits:  cfg.Limits,
		auditor: cfg.Auditor,
		logger:  cfg.Logger.WithField("component", "ratelimit"),
		metrics: cfg.Metrics,
	}, nil
}

func limitKey(op Operation, id string) string {
	return "ratelimit:" + string(op) + ":" + id
}

// Limit returns the configured limit for op.
func (l *Limiter) Limit(op Operation) (Limit, bool) {
	limit, ok := l.limits[op]
	return limit, ok
}

// Allow counts one call of op by identifier and fails with ErrRateLimited
// once the window's allowance is spent. Store faults are returned as such;
// the limiter never fails open.
func (l *Limiter) Allow(ctx context.Context, op Operation, identifier string) error {
	limit, ok := l.limits[op]
	if !ok {
		return fmt.Errorf("threat: no limit for operation %q", op)
	}

	key := limitKey(op, identifier)
	count, err := l.kv.IncrWithTTL(ctx, key, limit.Window)
	if err != nil {
		return err
	}
	if count <= limit.Max {
		return nil
	}

	retryAfter, err := l.kv.TTL(ctx, key)
	if err != nil || retryAfter <= 0 {
		retryAfter = limit.Window
	}
	if count == limit.Max+1 {
		l.auditor.Record(ctx, audit.EventRateLimited, map[string]interface{}{
			"operation":  string(op),
			"identifier": identifier,
			"limit":      limit.Max,
		})
		l.logger.WithFields(map[string]interface{}{
			"operation":  string(op),
			"identifier": identifier,
		}).Warn("rate limit exceeded")
	}
	if l.metrics != nil {
		l.metrics.RateLimitedTotal.WithLabelValues(string(op)).Inc()
	}
	return autherr.New(autherr.ErrRateLimited, string(op)+" rate limit exceeded").WithRetryAfter(retryAfter)
}

// Remaining returns how many calls are left in the current window.
func (l *Limiter) Remaining(ctx context.Context, op Operation, identifier string) (int64, error) {
	limit, ok := l.limits[op]
	if !ok {
		return 0, fmt.Errorf("threat: no limit for operation %q", op)
	}
	raw, err := l.kv.Get(ctx, limitKey(op, identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return limit.Max, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("threat: rate counter: %w", err)
	}
	if remaining := limit.Max - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// TTL returns the time until the current window resets.
func (l *Limiter) TTL(ctx context.Context, op Operation, identifier string) (time.Duration, error) {
	ttl, err := l.kv.TTL(ctx, limitKey(op, identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	return ttl, err
}

// Reset clears the window for identifier.
func (l *Limiter) Reset(ctx context.Context, op Operation, identifier string) error {
	return l.kv.Del(ctx, limitKey(op, identifier))
}
