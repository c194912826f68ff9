package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicsaas-pipeline/internal/eventing"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/logging"
	"magicsaas-pipeline/internal/occupancy/domain"
)

func TestTopicMatches(t *testing.T) {
	assert.True(t, TopicMatches("magicsaas/+/+/occupancy", "magicsaas/t1/room-1/occupancy"))
	assert.False(t, TopicMatches("magicsaas/+/+/occupancy", "magicsaas/t1/room-1/occupancy/state"))
	assert.True(t, TopicMatches("zigbee2mqtt/#", "zigbee2mqtt/hall_sensor"))
	assert.True(t, TopicMatches("zigbee2mqtt/#", "zigbee2mqtt"))
	assert.False(t, TopicMatches("magicsaas/t2/+/occupancy", "magicsaas/t1/room-1/occupancy"))
}

func TestParseTopic(t *testing.T) {
	tenant, room, err := ParseTopic("magicsaas", "magicsaas/t1/room-1/occupancy")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant)
	assert.Equal(t, "room-1", room)

	tenant, room, err = ParseTopic("acme/eu", "acme/eu/t9/lobby/occupancy")
	require.NoError(t, err)
	assert.Equal(t, "t9", tenant)
	assert.Equal(t, "lobby", room)

	_, _, err = ParseTopic("magicsaas", "other/t1/room-1/occupancy")
	assert.Error(t, err)
	_, _, err = ParseTopic("magicsaas", "magicsaas/t1/occupancy")
	assert.Error(t, err)

	_, _, err = ParseTopic("magicsaas", "magicsaas/a:b/c/occupancy")
	assert.ErrorIs(t, err, domain.ErrInvalidTenantID)
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    domain.Reading
		wantErr string
	}{
		{name: "absolute", raw: `{"occupancy":4,"timestamp":"2026-02-01T10:00:00Z","sensor_id":"s1"}`, want: domain.Absolute(4)},
		{name: "delta wins", raw: `{"occupancy":4,"delta":-1,"timestamp":"2026-02-01T10:00:00Z","sensor_id":"s1"}`, want: domain.Leave()},
		{name: "bad json", raw: `{"occupancy":`, wantErr: "json"},
		{name: "missing sensor", raw: `{"occupancy":1,"timestamp":"2026-02-01T10:00:00Z"}`, wantErr: "validation"},
		{name: "negative", raw: `{"occupancy":-1,"timestamp":"2026-02-01T10:00:00Z","sensor_id":"s1"}`, wantErr: "validation"},
		{name: "fractional", raw: `{"occupancy":1.5,"timestamp":"2026-02-01T10:00:00Z","sensor_id":"s1"}`, wantErr: "validation"},
		{name: "no reading", raw: `{"timestamp":"2026-02-01T10:00:00Z","sensor_id":"s1"}`, wantErr: "validation"},
		{name: "bad timestamp", raw: `{"occupancy":1,"timestamp":"yesterday","sensor_id":"s1"}`, wantErr: "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParsePayload("t1", "room-1", []byte(tt.raw))
			if tt.wantErr != "" {
				var perr *ParseError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.wantErr, perr.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, event.Reading)
			assert.Equal(t, "s1", event.SensorID)
			assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), event.ObservedAt)
		})
	}
}

func TestClient_SubscribesAndQueues(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	require.NoError(t, transport.Connect(ctx))
	out := make(chan domain.SensorEvent, 4)

	client, err := NewClient(ClientConfig{Namespace: "magicsaas"}, transport, out, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))
	assert.Equal(t, []string{"magicsaas/+/+/occupancy"}, transport.Subscriptions())

	require.NoError(t, transport.Publish(ctx, "magicsaas/t1/room-1/occupancy", 1, false,
		[]byte(`{"occupancy":3,"timestamp":"2026-02-01T10:00:00Z","sensor_id":"s1"}`)))
	require.NoError(t, transport.Publish(ctx, "magicsaas/t1/room-1/occupancy", 1, false, []byte(`garbage`)))

	require.Len(t, out, 1)
	event := <-out
	assert.Equal(t, "t1", event.TenantID)
	assert.Equal(t, "room-1", event.RoomID)
	assert.Equal(t, domain.Absolute(3), event.Reading)

	require.NoError(t, client.Stop(ctx))
	assert.Empty(t, transport.Subscriptions())
}

func TestClient_TenantTopic(t *testing.T) {
	client, err := NewClient(ClientConfig{Namespace: "magicsaas", Tenant: "t1"}, NewMemoryTransport(), make(chan domain.SensorEvent, 1), logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, "magicsaas/t1/+/occupancy", client.Topic())
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	out := make(chan domain.SensorEvent, 1)
	event := domain.SensorEvent{TenantID: "t1", RoomID: "r1", Reading: domain.Enter()}
	require.NoError(t, Enqueue(context.Background(), out, event, 10*time.Millisecond, SourceMQTT, logging.Nop()))
	err := Enqueue(context.Background(), out, event, 10*time.Millisecond, SourceMQTT, logging.Nop())
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestStatePublisher_PublishesCrossings(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	require.NoError(t, transport.Connect(ctx))

	registry := eventing.NewRegistry()
	registry.Register("occupancy.threshold_crossed", domain.OccupancyEvent{})
	publisher, err := NewStatePublisher(transport, "magicsaas", 1, registry, 8, logging.Nop())
	require.NoError(t, err)
	publisher.Start()

	publisher.OnOccupancy(ctx, domain.OccupancyEvent{TenantID: "t1", RoomID: "room-1", Count: 2, Over: true, Threshold: 2, Direction: domain.DirectionEntered})

	data, err := json.Marshal(domain.OccupancyEvent{TenantID: "t1", RoomID: "room-2", Count: 0, Threshold: 2, Direction: domain.DirectionLeft})
	require.NoError(t, err)
	require.NoError(t, publisher.Consume(ctx, esdomain.SystemEvent{ID: "e1", Type: "occupancy.threshold_crossed", Data: data}))

	require.NoError(t, publisher.Close(ctx))

	published := transport.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "magicsaas/t1/room-1/occupancy/state", published[0].Topic)
	assert.True(t, published[0].Retained)
	var payload statePayload
	require.NoError(t, json.Unmarshal(published[0].Payload, &payload))
	assert.Equal(t, 2, payload.Count)
	assert.True(t, payload.Over)
	assert.Equal(t, "magicsaas/t1/room-2/occupancy/state", published[1].Topic)
}

func TestStatePublisher_RejectsCrossingsWhenStopped(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	require.NoError(t, transport.Connect(ctx))

	registry := eventing.NewRegistry()
	registry.Register("occupancy.threshold_crossed", domain.OccupancyEvent{})
	publisher, err := NewStatePublisher(transport, "magicsaas", 1, registry, 1, logging.Nop())
	require.NoError(t, err)

	data, err := json.Marshal(domain.OccupancyEvent{TenantID: "t1", RoomID: "room-1", Count: 3, Over: true, Threshold: 2})
	require.NoError(t, err)
	stored := esdomain.SystemEvent{ID: "e1", Type: "occupancy.threshold_crossed", Data: data}

	marks := eventing.NewMemoryProcessedStore()
	consume := eventing.WrapHandler("mqtt.state_publisher", publisher.Consume, marks)

	err = consume(ctx, stored)
	assert.ErrorIs(t, err, ErrPublisherStopped)
	marked, err := marks.HasProcessed(ctx, "e1", "mqtt.state_publisher")
	require.NoError(t, err)
	assert.False(t, marked, "an undelivered crossing stays eligible for redelivery")

	publisher.Start()
	require.NoError(t, consume(ctx, stored))
	require.NoError(t, publisher.Close(ctx))
	assert.Len(t, transport.Published(), 1)

	err = consume(ctx, esdomain.SystemEvent{ID: "e2", Type: "occupancy.threshold_crossed", Data: data})
	assert.ErrorIs(t, err, ErrPublisherStopped)
}

func TestPahoTransport_RequiresBroker(t *testing.T) {
	_, err := NewPahoTransport(PahoConfig{}, logging.Nop())
	assert.Error(t, err)

	transport, err := NewPahoTransport(PahoConfig{BrokerURL: "tcp://127.0.0.1:1", ClientID: "test"}, logging.Nop())
	require.NoError(t, err)
	assert.False(t, transport.IsConnected())
}
