package domain

import "context"

// Backend persists event batches and serves ordered reads.
//
// AppendBatch must write the batch atomically in order and ignore events
// whose id is already stored, so a retried batch does not duplicate.
type Backend interface {
	AppendBatch(ctx context.Context, events []SystemEvent) error
	// LoadAggregate returns the aggregate's events from positional offset from.
	LoadAggregate(ctx context.Context, aggregate, aggregateID string, from int) ([]SystemEvent, error)
	// LoadByType returns the newest limit events of eventType, oldest first.
	LoadByType(ctx context.Context, eventType string, limit int) ([]SystemEvent, error)
	// LoadByLayer returns the newest limit events of layer, oldest first.
	LoadByLayer(ctx context.Context, layer Layer, limit int) ([]SystemEvent, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
