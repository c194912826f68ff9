package zigbee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/observability/metrics"
	"magicsaas-pipeline/internal/occupancy/domain"
	"magicsaas-pipeline/internal/occupancy/interfaces/mqtt"
)

// SourceZigbee labels metrics for bridged ingest.
const SourceZigbee = "zigbee"

// ErrIgnored marks messages that carry no occupancy reading.
var ErrIgnored = errors.New("zigbee: message ignored")

// BridgeConfig configures the bridge.
type BridgeConfig struct {
	// BaseTopic is the Zigbee2MQTT base topic, zigbee2mqtt by default.
	BaseTopic     string
	DefaultTenant string
	QoS           byte
	IngestTimeout time.Duration
}

// Bridge subscribes to Zigbee2MQTT and re-emits readings of mapped devices
// on the shared sensor channel.
type Bridge struct {
	cfg       BridgeConfig
	devices   DeviceMap
	transport mqtt.Transport
	out       chan<- domain.SensorEvent
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	subscribed bool
}

// NewBridge constructs a bridge.
func NewBridge(cfg BridgeConfig, devices DeviceMap, transport mqtt.Transport, out chan<- domain.SensorEvent, logger zerolog.Logger) (*Bridge, error) {
	if transport == nil {
		return nil, errors.New("zigbee: nil transport")
	}
	if out == nil {
		return nil, errors.New("zigbee: nil output channel")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "zigbee2mqtt"
	}
	cfg.BaseTopic = strings.TrimSuffix(cfg.BaseTopic, "/")
	if cfg.QoS < 1 {
		cfg.QoS = 1
	}
	if devices == nil {
		devices = DeviceMap{}
	}
	return &Bridge{
		cfg:       cfg,
		devices:   devices,
		transport: transport,
		out:       out,
		logger:    logger.With().Str("component", "zigbee_bridge").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Topic returns the subscription filter.
func (b *Bridge) Topic() string {
	return b.cfg.BaseTopic + "/#"
}

// Start subscribes to the base topic.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed {
		return nil
	}
	if err := b.transport.Subscribe(ctx, b.Topic(), b.cfg.QoS, b.onMessage); err != nil {
		return err
	}
	b.subscribed = true
	b.logger.Info().Str("topic", b.Topic()).Int("devices", len(b.devices)).Msg("zigbee bridge subscribed")
	return nil
}

// Stop unsubscribes.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subscribed {
		return nil
	}
	b.subscribed = false
	return b.transport.Unsubscribe(ctx, b.Topic())
}

func (b *Bridge) onMessage(ctx context.Context, topic string, payload []byte) {
	_ = b.HandleMessage(ctx, topic, payload)
}

// HandleMessage adapts one Zigbee2MQTT message.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	event, err := b.Adapt(topic, payload)
	if errors.Is(err, ErrIgnored) {
		return err
	}
	if err != nil {
		metrics.IncSensorIngestError(SourceZigbee, "payload")
		b.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed zigbee message")
		return err
	}
	return mqtt.Enqueue(ctx, b.out, event, b.cfg.IngestTimeout, SourceZigbee, b.logger)
}

// Adapt converts a device message into a SensorEvent. Bridge messages,
// command topics, unknown devices and payloads without a reading return
// ErrIgnored.
func (b *Bridge) Adapt(topic string, payload []byte) (domain.SensorEvent, error) {
	name, ok := b.friendlyName(topic)
	if !ok {
		return domain.SensorEvent{}, ErrIgnored
	}
	device, ok := b.devices[name]
	if !ok {
		return domain.SensorEvent{}, ErrIgnored
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return domain.SensorEvent{}, fmt.Errorf("zigbee: decode %s: %w", name, err)
	}
	reading, err := readDevice(device.Kind, fields)
	if err != nil {
		return domain.SensorEvent{}, err
	}

	tenant := device.Tenant
	if tenant == "" {
		tenant = b.cfg.DefaultTenant
	}
	event := domain.SensorEvent{
		TenantID:   tenant,
		RoomID:     device.Room,
		SensorID:   name,
		Reading:    reading,
		ObservedAt: b.observedAt(fields),
	}
	if err := event.Validate(); err != nil {
		return domain.SensorEvent{}, err
	}
	return event, nil
}

func (b *Bridge) friendlyName(topic string) (string, bool) {
	prefix := b.cfg.BaseTopic + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(topic, prefix)
	if name == "" || name == "bridge" || strings.HasPrefix(name, "bridge/") {
		return "", false
	}
	for _, suffix := range []string{"/set", "/get", "/availability"} {
		if strings.HasSuffix(name, suffix) || strings.Contains(name, suffix+"/") {
			return "", false
		}
	}
	return name, true
}

func readDevice(kind DeviceKind, fields map[string]any) (domain.Reading, error) {
	switch kind {
	case KindCounter:
		for _, key := range []string{"people", "count", "occupancy"} {
			value, ok := fields[key].(float64)
			if !ok {
				continue
			}
			if value < 0 || value != float64(int(value)) {
				return domain.Reading{}, fmt.Errorf("zigbee: invalid %s %v", key, value)
			}
			return domain.Absolute(int(value)), nil
		}
	case KindPresence:
		if occupied, ok := fields["occupancy"].(bool); ok {
			if occupied {
				return domain.Absolute(1), nil
			}
			return domain.Absolute(0), nil
		}
	case KindDirectional:
		switch action, _ := fields["action"].(string); action {
		case "enter":
			return domain.Enter(), nil
		case "leave":
			return domain.Leave(), nil
		}
	}
	return domain.Reading{}, ErrIgnored
}

func (b *Bridge) observedAt(fields map[string]any) time.Time {
	switch value := fields["last_seen"].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return ts.UTC()
		}
	case float64:
		if value > 0 {
			return time.UnixMilli(int64(value)).UTC()
		}
	}
	return b.now()
}
