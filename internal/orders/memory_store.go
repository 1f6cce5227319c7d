package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryStore keeps orders in an ordered in-process index keyed by ID.
// Order IDs are UUIDv7, so key order is creation order.
type MemoryStore struct {
	mu     sync.RWMutex
	orders btree.Map[string, Order]
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(ctx context.Context, order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders.Get(order.ID); ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	s.orders.Set(order.ID, cloneOrder(order))
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, order Order, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders.Get(order.ID)
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	if current.Status != from {
		return fmt.Errorf("%w: order %s is %s, expected %s", ErrStaleOrder, order.ID, current.Status, from)
	}
	current.Status = order.Status
	current.FailureReason = order.FailureReason
	current.TransactionID = order.TransactionID
	current.UpdatedAt = order.UpdatedAt
	current.CompletedAt = order.CompletedAt
	s.orders.Set(order.ID, cloneOrder(current))
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders.Get(id)
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return cloneOrder(order), nil
}

// List returns orders newest first.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	s.orders.Reverse(func(_ string, order Order) bool {
		if opts.Status != "" && order.Status != opts.Status {
			return true
		}
		out = append(out, cloneOrder(order))
		return opts.Limit <= 0 || len(out) < opts.Limit
	})
	return out, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []Order
	s.orders.Scan(func(_ string, order Order) bool {
		if want[order.Status] && order.UpdatedAt.Before(cutoff) {
			out = append(out, cloneOrder(order))
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders.Delete(id); !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return nil
}

func cloneOrder(o Order) Order {
	if o.CompletedAt != nil {
		completed := *o.CompletedAt
		o.CompletedAt = &completed
	}
	return o
}
