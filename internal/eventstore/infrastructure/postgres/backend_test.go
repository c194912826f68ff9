package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicsaas-pipeline/internal/eventing"
	"magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/eventstore/infrastructure/postgres"
)

func TestBackend_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	table := "system_events_test"
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)

	backend, err := postgres.NewBackend(db, postgres.WithTable(table))
	require.NoError(t, err)
	require.NoError(t, backend.EnsureSchema(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	batch := []domain.SystemEvent{
		{ID: eventing.NewEventID(), Type: "sensor.enter", Layer: domain.LayerIngestion, Aggregate: "room", AggregateID: "t1:r1", Data: []byte(`{"value":1}`), Metadata: domain.Metadata{Timestamp: now, TenantID: "t1"}},
		{ID: eventing.NewEventID(), Type: "sensor.enter", Layer: domain.LayerIngestion, Aggregate: "room", AggregateID: "t1:r1", Metadata: domain.Metadata{Timestamp: now}},
		{ID: eventing.NewEventID(), Type: "occupancy.threshold_crossed", Layer: domain.LayerDomain, Aggregate: "room", AggregateID: "t1:r1", Metadata: domain.Metadata{Timestamp: now}},
	}
	require.NoError(t, backend.AppendBatch(ctx, batch))
	require.NoError(t, backend.AppendBatch(ctx, batch[:1]))

	events, err := backend.LoadAggregate(ctx, "room", "t1:r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, batch[0].ID, events[0].ID)
	assert.Equal(t, "t1", events[0].Metadata.TenantID)
	assert.True(t, now.Equal(events[0].Metadata.Timestamp))

	recent, err := backend.LoadByType(ctx, "sensor.enter", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, batch[1].ID, recent[0].ID)

	counts, err := backend.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Total)
	assert.Equal(t, int64(1), counts.ByLayer[domain.LayerDomain])
}
