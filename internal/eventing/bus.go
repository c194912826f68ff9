package eventing

import (
	"context"
	"errors"
	"sync"

	"magicsaas-pipeline/internal/eventstore/domain"
)

// Handler consumes a persisted event.
type Handler func(ctx context.Context, event domain.SystemEvent) error

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// ErrNilHandler is returned when subscribing a nil handler.
var ErrNilHandler = errors.New("eventing: nil handler")

// Bus delivers persisted events to subscribed handlers in publish order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
	order    map[string][]int
}

// NewBus constructs an in-process bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		order:    make(map[string][]int),
	}
}

// Subscribe registers handler for eventType and returns its unsubscribe func.
func (b *Bus) Subscribe(eventType string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if eventType == "" {
		eventType = AllEvents
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler
	b.order[eventType] = append(b.order[eventType], id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}, nil
}

func (b *Bus) unsubscribe(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[eventType], id)
	ids := b.order[eventType]
	for i, existing := range ids {
		if existing == id {
			b.order[eventType] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

// Publish delivers event to exact-type subscribers, then wildcard ones.
// Every handler runs; the first error is returned.
func (b *Bus) Publish(ctx context.Context, event domain.SystemEvent) error {
	handlers := b.snapshot(event.Type)
	ctx = WithEventID(ctx, event.ID)
	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribers returns the number of handlers for eventType.
func (b *Bus) Subscribers(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

func (b *Bus) snapshot(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]Handler, 0, len(b.order[eventType])+len(b.order[AllEvents]))
	for _, key := range []string{eventType, AllEvents} {
		if key == AllEvents && eventType == AllEvents {
			break
		}
		for _, id := range b.order[key] {
			result = append(result, b.handlers[key][id])
		}
	}
	return result
}
