package audit

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity and DefaultRetention bound the in-memory audit window.
const (
	DefaultCapacity  = 10000
	DefaultRetention = 30 * 24 * time.Hour
)

// MemoryStore keeps the most recent audit events. When full, the oldest
// event is evicted; events older than the retention are dropped.
type MemoryStore struct {
	events *expirable.LRU[string, *Event]
}

// NewMemoryStore creates a bounded store.
func NewMemoryStore(capacity int, retention time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		events: expirable.NewLRU[string, *Event](capacity, nil, retention),
	}
}

// Log appends an event. Events are never promoted, so eviction order is
// insertion order.
func (s *MemoryStore) Log(_ context.Context, event *Event) error {
	s.events.Add(event.ID, event)
	return nil
}

// Close implements Logger.
func (s *MemoryStore) Close() error {
	return nil
}

// Get returns one event by ID.
func (s *MemoryStore) Get(id string) (*Event, bool) {
	return s.events.Peek(id)
}

// Len reports how many events are retained.
func (s *MemoryStore) Len() int {
	return s.events.Len()
}

// Search returns matching events, newest first.
func (s *MemoryStore) Search(filter SearchFilter) []*Event {
	// oldest to newest, padded with nils for expired entries the LRU has
	// not purged yet
	all := s.events.Values()

	var out []*Event
	for i := len(all) - 1; i >= 0; i-- {
		if all[i] == nil || !filter.Matches(all[i]) {
			continue
		}
		out = append(out, all[i])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}
