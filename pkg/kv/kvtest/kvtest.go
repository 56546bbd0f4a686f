// Package kvtest provides a miniredis-backed store and a fake clock that
// advance together, for tests of components that keep TTL'd state in kv.
package kvtest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/kv"
)

// Epoch is the fixed start time of every harness clock.
var Epoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// Harness couples a store with the clock its TTLs are measured against.
type Harness struct {
	Store  *kv.RedisStore
	Redis  *miniredis.Miniredis
	Clock  *clockwork.FakeClock
	client *redis.Client
}

// New starts a miniredis server and registers cleanup with t.
func New(t testing.TB) *Harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	mr.SetTime(Epoch)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := &Harness{
		Store:  kv.NewRedisStoreFromClient(client, time.Second),
		Redis:  mr,
		Clock:  clockwork.NewFakeClockAt(Epoch),
		client: client,
	}

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return h
}

// Advance moves the fake clock and expires store keys by the same amount.
func (h *Harness) Advance(d time.Duration) {
	h.Clock.Advance(d)
	h.Redis.FastForward(d)
	h.Redis.SetTime(h.Clock.Now())
}
