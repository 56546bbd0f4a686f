// Package kv defines the shared low-latency key-value store the auth core
// keeps its cross-worker state in (sessions, threat counters, refresh-token
// registry, pending two-factor enrollments), and a Redis implementation.
//
// Every operation is bounded by a per-operation timeout. A miss is reported
// as ErrNotFound; every other failure, including a timeout, is reported as
// autherr.ErrStoreUnavailable so that callers never mistake an outage for
// "not found".
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the set of primitives the auth core depends on.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// CompareAndSwap replaces the value at key with next only if it
	// currently equals prev. A ttl of zero keeps the existing expiry.
	CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error)

	// IncrWithTTL atomically increments the counter at key. The TTL is
	// assigned only by the increment that creates the counter.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key, or ErrNotFound.
	// Keys without an expiry report zero.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire resets the lifetime of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	// SRem returns how many members were actually removed.
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
