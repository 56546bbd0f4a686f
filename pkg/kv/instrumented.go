package kv

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Instrumented wraps a Store and records round-trip latency and failures,
// labelled with the component that owns the wrapper. Misses are not
// failures.
type Instrumented struct {
	next      Store
	component string
	metrics   *observability.Metrics
	otel      *observability.OTelMetrics
}

// Instrument wraps next. Either metrics sink may be nil.
func Instrument(next Store, component string, metrics *observability.Metrics, otel *observability.OTelMetrics) *Instrumented {
	return &Instrumented{next: next, component: component, metrics: metrics, otel: otel}
}

func (s *Instrumented) observe(ctx context.Context, op string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.otel.RecordStoreOperation(ctx, s.component+"."+op, time.Since(start), err)
	if err != nil && s.metrics != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues(s.component).Inc()
	}
}

func (s *Instrumented) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	v, err := s.next.Get(ctx, key)
	s.observe(ctx, "get", start, err)
	return v, err
}

func (s *Instrumented) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Set(ctx, key, value, ttl)
	s.observe(ctx, "set", start, err)
	return err
}

func (s *Instrumented) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.next.SetNX(ctx, key, value, ttl)
	s.observe(ctx, "setnx", start, err)
	return ok, err
}

func (s *Instrumented) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := s.next.Del(ctx, keys...)
	s.observe(ctx, "del", start, err)
	return err
}

func (s *Instrumented) CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.next.CompareAndSwap(ctx, key, prev, next, ttl)
	s.observe(ctx, "cas", start, err)
	return ok, err
}

func (s *Instrumented) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := time.Now()
	n, err := s.next.IncrWithTTL(ctx, key, ttl)
	s.observe(ctx, "incr", start, err)
	return n, err
}

func (s *Instrumented) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()
	d, err := s.next.TTL(ctx, key)
	s.observe(ctx, "ttl", start, err)
	return d, err
}

func (s *Instrumented) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Expire(ctx, key, ttl)
	s.observe(ctx, "expire", start, err)
	return err
}

func (s *Instrumented) SAdd(ctx context.Context, key string, members ...string) error {
	start := time.Now()
	err := s.next.SAdd(ctx, key, members...)
	s.observe(ctx, "sadd", start, err)
	return err
}

func (s *Instrumented) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	start := time.Now()
	n, err := s.next.SRem(ctx, key, members...)
	s.observe(ctx, "srem", start, err)
	return n, err
}

func (s *Instrumented) SMembers(ctx context.Context, key string) ([]string, error) {
	start := time.Now()
	m, err := s.next.SMembers(ctx, key)
	s.observe(ctx, "smembers", start, err)
	return m, err
}

func (s *Instrumented) SIsMember(ctx context.Context, key, member string) (bool, error) {
	start := time.Now()
	ok, err := s.next.SIsMember(ctx, key, member)
	s.observe(ctx, "sismember", start, err)
	return ok, err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.next.Ping(ctx)
	s.observe(ctx, "ping", start, err)
	return err
}
