package ledger

import (
	"context"
	"sync"
)

// EventStore is the durable interface for one append-only event stream per
// (tenant, execution) pair. Implementations must preserve append order.
type EventStore interface {
	// Append persists a new event at the tail of its execution's stream.
	Append(ctx context.Context, event Event) error

	// GetExecution retrieves an execution's events ordered by sequence id.
	GetExecution(ctx context.Context, tenantID, executionID string) ([]Event, error)
}

// MemoryEventStore is an in-memory EventStore for tests and local runs.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]Event)}
}

func streamKey(tenantID, executionID string) string {
	return tenantID + "/" + executionID
}

// Append adds an event to its execution's stream.
func (s *MemoryEventStore) Append(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(event.TenantID, event.ExecutionID)
	s.events[key] = append(s.events[key], event)
	return nil
}

// GetExecution returns a copy of an execution's events.
func (s *MemoryEventStore) GetExecution(ctx context.Context, tenantID, executionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.events[streamKey(tenantID, executionID)]
	out := make([]Event, len(stream))
	copy(out, stream)
	return out, nil
}
