package idempotency

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	orderID string
	expires time.Time
}

// MemoryStore keeps idempotency keys in process memory.
type MemoryStore struct {
	entries *xsync.MapOf[string, entry]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore constructs an in-memory idempotency store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: xsync.NewMapOf[string, entry](),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, key string) (string, bool, error) {
	now := s.now()
	reserved := false
	actual, _ := s.entries.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && now.Before(old.expires) {
			return old, false
		}
		reserved = true
		return entry{expires: now.Add(s.ttl)}, false
	})
	if reserved {
		return "", true, nil
	}
	return actual.orderID, false, nil
}

func (s *MemoryStore) Bind(ctx context.Context, key, orderID string) error {
	s.entries.Store(key, entry{orderID: orderID, expires: s.now().Add(s.ttl)})
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}
