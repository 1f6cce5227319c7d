package saga

import (
	"context"
	"sync"
)

// MemoryLog keeps step events in process memory.
type MemoryLog struct {
	mu     sync.Mutex
	events map[string][]Event
}

// NewMemoryLog constructs an empty in-memory step log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]Event)}
}

func (l *MemoryLog) Append(ctx context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.OrderID] = append(l.events[event.OrderID], event)
	return nil
}

func (l *MemoryLog) Events(ctx context.Context, orderID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events[orderID]))
	copy(out, l.events[orderID])
	return out, nil
}
