package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicsaas-pipeline/internal/eventstore/domain"
)

func event(id, eventType string, layer domain.Layer, aggID string) domain.SystemEvent {
	return domain.SystemEvent{ID: id, Type: eventType, Layer: layer, Aggregate: "room", AggregateID: aggID}
}

func TestBackend_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()

	require.NoError(t, backend.AppendBatch(ctx, []domain.SystemEvent{
		event("e1", "sensor.enter", domain.LayerIngestion, "r1"),
		event("e2", "sensor.enter", domain.LayerIngestion, "r2"),
		event("e3", "sensor.leave", domain.LayerIngestion, "r1"),
		event("e4", "occupancy.threshold_crossed", domain.LayerDomain, "r1"),
	}))

	agg, err := backend.LoadAggregate(ctx, "room", "r1", 1)
	require.NoError(t, err)
	require.Len(t, agg, 2)
	assert.Equal(t, "e3", agg[0].ID)
	assert.Equal(t, "e4", agg[1].ID)

	byType, err := backend.LoadByType(ctx, "sensor.enter", 1)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "e2", byType[0].ID)

	byLayer, err := backend.LoadByLayer(ctx, domain.LayerIngestion, 10)
	require.NoError(t, err)
	assert.Len(t, byLayer, 3)

	counts, err := backend.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Total)
	assert.Equal(t, int64(2), counts.ByType["sensor.enter"])
	assert.Equal(t, int64(1), counts.ByLayer[domain.LayerDomain])
}

func TestBackend_DeduplicatesIDs(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()
	batch := []domain.SystemEvent{event("e1", "x", 0, "r1")}

	require.NoError(t, backend.AppendBatch(ctx, batch))
	require.NoError(t, backend.AppendBatch(ctx, batch))

	counts, err := backend.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total)
}

func TestBackend_FailWith(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()
	backend.FailWith(ErrUnavailable)

	err := backend.AppendBatch(ctx, []domain.SystemEvent{event("e1", "x", 0, "r1")})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, backend.Batches())

	backend.FailWith(nil)
	require.NoError(t, backend.AppendBatch(ctx, []domain.SystemEvent{event("e1", "x", 0, "r1")}))
	assert.Equal(t, 1, backend.Batches())
}
