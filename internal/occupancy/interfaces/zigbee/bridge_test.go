package zigbee

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicsaas-pipeline/internal/logging"
	"magicsaas-pipeline/internal/occupancy/domain"
	"magicsaas-pipeline/internal/occupancy/interfaces/mqtt"
)

const deviceYAML = `
devices:
  hall_counter:
    tenant: t1
    room: room-1
    kind: counter
  desk_pir:
    room: office
    kind: presence
  door_beam:
    tenant: t1
    room: room-1
    kind: directional
`

func newBridge(t *testing.T) (*Bridge, *mqtt.MemoryTransport, chan domain.SensorEvent) {
	t.Helper()
	devices, err := ParseDeviceMap([]byte(deviceYAML))
	require.NoError(t, err)
	transport := mqtt.NewMemoryTransport()
	require.NoError(t, transport.Connect(context.Background()))
	out := make(chan domain.SensorEvent, 8)
	bridge, err := NewBridge(BridgeConfig{DefaultTenant: "t-default"}, devices, transport, out, logging.Nop())
	require.NoError(t, err)
	return bridge, transport, out
}

func TestParseDeviceMap_Invalid(t *testing.T) {
	_, err := ParseDeviceMap([]byte("devices:\n  x:\n    room: r\n    kind: thermometer\n"))
	assert.Error(t, err)
	_, err = ParseDeviceMap([]byte("devices: ["))
	assert.Error(t, err)
	_, err = ParseDeviceMap([]byte("devices:\n  x:\n    tenant: a:b\n    room: r\n    kind: counter\n"))
	assert.Error(t, err)
}

func TestLoadDeviceMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deviceYAML), 0o600))
	devices, err := LoadDeviceMap(path)
	require.NoError(t, err)
	assert.Len(t, devices, 3)
	assert.Equal(t, KindPresence, devices["desk_pir"].Kind)
}

func TestAdapt(t *testing.T) {
	bridge, _, _ := newBridge(t)
	tests := []struct {
		name    string
		topic   string
		payload string
		want    domain.Reading
		tenant  string
		err     error
	}{
		{name: "counter people", topic: "zigbee2mqtt/hall_counter", payload: `{"people":3}`, want: domain.Absolute(3), tenant: "t1"},
		{name: "counter occupancy number", topic: "zigbee2mqtt/hall_counter", payload: `{"occupancy":5}`, want: domain.Absolute(5), tenant: "t1"},
		{name: "presence true", topic: "zigbee2mqtt/desk_pir", payload: `{"occupancy":true}`, want: domain.Absolute(1), tenant: "t-default"},
		{name: "presence false", topic: "zigbee2mqtt/desk_pir", payload: `{"occupancy":false}`, want: domain.Absolute(0), tenant: "t-default"},
		{name: "directional enter", topic: "zigbee2mqtt/door_beam", payload: `{"action":"enter"}`, want: domain.Enter(), tenant: "t1"},
		{name: "directional leave", topic: "zigbee2mqtt/door_beam", payload: `{"action":"leave"}`, want: domain.Leave(), tenant: "t1"},
		{name: "other action", topic: "zigbee2mqtt/door_beam", payload: `{"action":"single"}`, err: ErrIgnored},
		{name: "bridge topic", topic: "zigbee2mqtt/bridge/state", payload: `{"state":"online"}`, err: ErrIgnored},
		{name: "set topic", topic: "zigbee2mqtt/hall_counter/set", payload: `{"people":1}`, err: ErrIgnored},
		{name: "availability", topic: "zigbee2mqtt/hall_counter/availability", payload: `{"state":"online"}`, err: ErrIgnored},
		{name: "unknown device", topic: "zigbee2mqtt/lamp", payload: `{"state":"ON"}`, err: ErrIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := bridge.Adapt(tt.topic, []byte(tt.payload))
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, event.Reading)
			assert.Equal(t, tt.tenant, event.TenantID)
		})
	}

	_, err := bridge.Adapt("zigbee2mqtt/hall_counter", []byte(`{"people":-2}`))
	assert.Error(t, err)
	_, err = bridge.Adapt("zigbee2mqtt/hall_counter", []byte(`not json`))
	assert.Error(t, err)
}

func TestAdapt_LastSeen(t *testing.T) {
	bridge, _, _ := newBridge(t)
	event, err := bridge.Adapt("zigbee2mqtt/hall_counter", []byte(`{"people":1,"last_seen":"2026-02-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), event.ObservedAt)

	event, err = bridge.Adapt("zigbee2mqtt/hall_counter", []byte(`{"people":1,"last_seen":1769940000000}`))
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1769940000000).UTC(), event.ObservedAt)
}

func TestBridgeAndClient_SameCanonicalShape(t *testing.T) {
	ctx := context.Background()
	bridge, transport, out := newBridge(t)
	require.NoError(t, bridge.Start(ctx))

	client, err := mqtt.NewClient(mqtt.ClientConfig{Namespace: "magicsaas"}, transport, out, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))

	require.NoError(t, transport.Publish(ctx, "zigbee2mqtt/hall_counter", 1, false,
		[]byte(`{"people":3,"last_seen":"2026-02-01T10:00:00Z","linkquality":120}`)))
	require.NoError(t, transport.Publish(ctx, "magicsaas/t1/room-1/occupancy", 1, false,
		[]byte(`{"occupancy":3,"timestamp":"2026-02-01T10:00:00Z","sensor_id":"hall_counter"}`)))

	require.Len(t, out, 2)
	fromZigbee := <-out
	fromMQTT := <-out
	assert.Equal(t, fromMQTT, fromZigbee)

	require.NoError(t, bridge.Stop(ctx))
	require.NoError(t, client.Stop(ctx))
	assert.Empty(t, transport.Subscriptions())
}
