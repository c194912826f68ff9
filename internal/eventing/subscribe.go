package eventing

import (
	"context"
	"sync"

	"magicsaas-pipeline/internal/eventstore/domain"
)

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe wraps handler with idempotency if store is provided.
func Subscribe(bus *Bus, eventType, consumerName string, handler Handler, store ProcessedStore) (func(), error) {
	if store == nil {
		return bus.Subscribe(eventType, handler)
	}
	return bus.Subscribe(eventType, WrapHandler(consumerName, handler, store))
}

// WrapHandler enforces idempotency per consumer: an event id already
// processed by consumerName is skipped, so at-least-once redelivery and
// replays are safe.
func WrapHandler(consumerName string, handler Handler, store ProcessedStore) Handler {
	return func(ctx context.Context, event domain.SystemEvent) error {
		if event.ID == "" {
			return handler(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, event.ID, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, event.ID, consumerName)
	}
}

// MemoryProcessedStore keeps processed markers in memory.
type MemoryProcessedStore struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewMemoryProcessedStore constructs an empty store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]struct{})}
}

// HasProcessed reports whether consumerName already handled eventID.
func (s *MemoryProcessedStore) HasProcessed(_ context.Context, eventID, consumerName string) (bool, error) {
	s.mu.RLock()
	_, ok := s.seen[consumerName+"|"+eventID]
	s.mu.RUnlock()
	return ok, nil
}

// MarkProcessed records eventID as handled by consumerName.
func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	s.seen[consumerName+"|"+eventID] = struct{}{}
	s.mu.Unlock()
	return nil
}
