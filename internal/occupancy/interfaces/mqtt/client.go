package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/observability/metrics"
	"magicsaas-pipeline/internal/occupancy/domain"
)

// SourceMQTT labels metrics for direct MQTT ingest.
const SourceMQTT = "mqtt"

// ClientConfig configures the occupancy topic subscription.
type ClientConfig struct {
	Namespace string
	// Tenant restricts the subscription; empty subscribes every tenant.
	Tenant string
	QoS    byte
	// IngestTimeout bounds how long a message waits for queue space.
	IngestTimeout time.Duration
}

// Client subscribes to occupancy topics and feeds canonical sensor events
// into a shared channel.
type Client struct {
	cfg       ClientConfig
	transport Transport
	out       chan<- domain.SensorEvent
	logger    zerolog.Logger

	mu         sync.Mutex
	subscribed bool
}

// NewClient constructs a client writing to out.
func NewClient(cfg ClientConfig, transport Transport, out chan<- domain.SensorEvent, logger zerolog.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("mqtt: nil transport")
	}
	if out == nil {
		return nil, errors.New("mqtt: nil output channel")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("mqtt: empty namespace")
	}
	if cfg.QoS < 1 {
		cfg.QoS = 1
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		out:       out,
		logger:    logger.With().Str("component", "mqtt_client").Logger(),
	}, nil
}

// Topic returns the subscription filter.
func (c *Client) Topic() string {
	tenant := c.cfg.Tenant
	if tenant == "" {
		tenant = "+"
	}
	return fmt.Sprintf("%s/%s/+/occupancy", c.cfg.Namespace, tenant)
}

// Start subscribes to the occupancy topic.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return nil
	}
	if err := c.transport.Subscribe(ctx, c.Topic(), c.cfg.QoS, c.onMessage); err != nil {
		return err
	}
	c.subscribed = true
	c.logger.Info().Str("topic", c.Topic()).Msg("subscribed to occupancy topic")
	return nil
}

// Stop unsubscribes.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return nil
	}
	c.subscribed = false
	return c.transport.Unsubscribe(ctx, c.Topic())
}

func (c *Client) onMessage(ctx context.Context, topic string, payload []byte) {
	_ = c.HandleMessage(ctx, topic, payload)
}

// HandleMessage parses one message and queues the resulting event.
// Malformed messages are logged and dropped.
func (c *Client) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	tenantID, roomID, err := ParseTopic(c.cfg.Namespace, topic)
	if err == nil {
		var event domain.SensorEvent
		event, err = ParsePayload(tenantID, roomID, payload)
		if err == nil {
			return Enqueue(ctx, c.out, event, c.cfg.IngestTimeout, SourceMQTT, c.logger)
		}
	}
	reason := "invalid"
	var perr *ParseError
	if errors.As(err, &perr) {
		reason = perr.Reason
	}
	metrics.IncSensorIngestError(SourceMQTT, reason)
	c.logger.Warn().Err(err).Str("topic", topic).Int("bytes", len(payload)).Msg("dropping malformed occupancy message")
	return err
}

// ErrQueueFull is returned when the sensor channel stays full past the timeout.
var ErrQueueFull = errors.New("mqtt: sensor queue full")

// Enqueue pushes event onto out, waiting up to timeout. Zero timeout waits
// only for ctx.
func Enqueue(ctx context.Context, out chan<- domain.SensorEvent, event domain.SensorEvent, timeout time.Duration, source string, logger zerolog.Logger) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case out <- event:
		metrics.IncSensorIngest(source, metrics.ResultSuccess)
		return nil
	case <-expired:
		metrics.IncSensorIngest(source, metrics.ResultDropped)
		logger.Warn().Str("tenant_id", event.TenantID).Str("room_id", event.RoomID).Msg("sensor queue full; dropping event")
		return ErrQueueFull
	case <-ctx.Done():
		metrics.IncSensorIngest(source, metrics.ResultDropped)
		return ctx.Err()
	}
}
