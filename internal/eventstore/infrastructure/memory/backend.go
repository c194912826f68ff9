package memory

import (
	"context"
	"errors"
	"sync"

	"magicsaas-pipeline/internal/eventstore/domain"
)

// ErrUnavailable is the default injected failure.
var ErrUnavailable = errors.New("memory backend: unavailable")

// Backend keeps persisted events in process memory.
type Backend struct {
	mu      sync.RWMutex
	events  []domain.SystemEvent
	ids     map[string]struct{}
	byAgg   map[string][]int
	byType  map[string][]int
	byLayer map[domain.Layer][]int
	failErr error
	batches int
	closed  bool
}

// NewBackend constructs an empty backend.
func NewBackend() *Backend {
	return &Backend{
		ids:     make(map[string]struct{}),
		byAgg:   make(map[string][]int),
		byType:  make(map[string][]int),
		byLayer: make(map[domain.Layer][]int),
	}
}

// FailWith makes every AppendBatch return err until cleared with nil.
func (b *Backend) FailWith(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

// Batches returns the number of committed batches.
func (b *Backend) Batches() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.batches
}

// AppendBatch stores events in order, skipping ids already present.
func (b *Backend) AppendBatch(ctx context.Context, events []domain.SystemEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memory backend: closed")
	}
	if b.failErr != nil {
		return b.failErr
	}
	for _, event := range events {
		if _, ok := b.ids[event.ID]; ok {
			continue
		}
		idx := len(b.events)
		b.events = append(b.events, event)
		b.ids[event.ID] = struct{}{}
		key := event.StreamKey()
		b.byAgg[key] = append(b.byAgg[key], idx)
		b.byType[event.Type] = append(b.byType[event.Type], idx)
		b.byLayer[event.Layer] = append(b.byLayer[event.Layer], idx)
	}
	b.batches++
	return nil
}

// LoadAggregate returns the aggregate's events from offset from.
func (b *Backend) LoadAggregate(_ context.Context, aggregate, aggregateID string, from int) ([]domain.SystemEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := b.byAgg[domain.StreamKey(aggregate, aggregateID)]
	if from >= len(idx) {
		return []domain.SystemEvent{}, nil
	}
	return b.collect(idx[from:]), nil
}

// LoadByType returns the newest limit events of eventType, oldest first.
func (b *Backend) LoadByType(_ context.Context, eventType string, limit int) ([]domain.SystemEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collect(tail(b.byType[eventType], limit)), nil
}

// LoadByLayer returns the newest limit events of layer, oldest first.
func (b *Backend) LoadByLayer(_ context.Context, layer domain.Layer, limit int) ([]domain.SystemEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collect(tail(b.byLayer[layer], limit)), nil
}

// Counts reports totals by type and layer.
func (b *Backend) Counts(_ context.Context) (domain.Counts, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := domain.Counts{
		Total:   int64(len(b.events)),
		ByType:  make(map[string]int64, len(b.byType)),
		ByLayer: make(map[domain.Layer]int64, len(b.byLayer)),
	}
	for eventType, idx := range b.byType {
		counts.ByType[eventType] = int64(len(idx))
	}
	for layer, idx := range b.byLayer {
		counts.ByLayer[layer] = int64(len(idx))
	}
	return counts, nil
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) collect(idx []int) []domain.SystemEvent {
	result := make([]domain.SystemEvent, 0, len(idx))
	for _, i := range idx {
		result = append(result, b.events[i])
	}
	return result
}

func tail(idx []int, limit int) []int {
	if limit > 0 && len(idx) > limit {
		return idx[len(idx)-limit:]
	}
	return idx
}
