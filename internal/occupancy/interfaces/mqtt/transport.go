// Package mqtt ingests occupancy readings from an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MessageHandler receives raw broker messages.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Transport is the broker connection used by the client, bridge and publisher.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// ErrTimeout is returned when a broker operation does not complete in time.
var ErrTimeout = errors.New("mqtt: operation timed out")

// PahoConfig configures the paho transport.
type PahoConfig struct {
	BrokerURL            string
	ClientID             string
	Username             string
	Password             string
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	// ConnectMaxElapsed bounds the initial connect retries; zero retries until ctx ends.
	ConnectMaxElapsed time.Duration
	OperationTimeout  time.Duration
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// PahoTransport is a Transport over eclipse/paho.mqtt.golang. Subscriptions
// are restored after every reconnect.
type PahoTransport struct {
	cfg    PahoConfig
	client pahomqtt.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]subscription
	// base is the context handed to message callbacks.
	base context.Context
}

// NewPahoTransport builds an unconnected transport.
func NewPahoTransport(cfg PahoConfig, logger zerolog.Logger) (*PahoTransport, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	t := &PahoTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "mqtt").Str("broker", cfg.BrokerURL).Logger(),
		subs:   make(map[string]subscription),
		base:   context.Background(),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.logger.Warn().Err(err).Msg("broker connection lost")
		}).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			t.logger.Info().Msg("reconnecting to broker")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	t.client = pahomqtt.NewClient(opts)
	return t, nil
}

// Connect dials the broker, retrying with capped exponential backoff.
func (t *PahoTransport) Connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = t.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = t.cfg.ConnectMaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := wait(ctx, t.client.Connect(), t.cfg.ConnectTimeout)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			t.logger.Warn().Err(err).Int("attempt", attempt).Msg("broker connect failed")
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", t.cfg.BrokerURL, err)
	}
	return nil
}

func (t *PahoTransport) onConnect(client pahomqtt.Client) {
	t.mu.Lock()
	subs := make(map[string]subscription, len(t.subs))
	for topic, sub := range t.subs {
		subs[topic] = sub
	}
	t.mu.Unlock()

	t.logger.Info().Int("subscriptions", len(subs)).Msg("connected to broker")
	for topic, sub := range subs {
		token := client.Subscribe(topic, sub.qos, t.callback(sub.handler))
		if err := wait(context.Background(), token, t.cfg.OperationTimeout); err != nil {
			t.logger.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}
}

// Disconnect closes the connection, allowing in-flight work a short quiesce.
func (t *PahoTransport) Disconnect(_ context.Context) error {
	if t.client.IsConnectionOpen() {
		t.client.Disconnect(uint(t.cfg.OperationTimeout / time.Millisecond))
	}
	return nil
}

// IsConnected reports the connection state.
func (t *PahoTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// Subscribe subscribes and remembers the subscription for reconnects.
func (t *PahoTransport) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return errors.New("mqtt: nil handler")
	}
	t.mu.Lock()
	t.subs[topic] = subscription{qos: qos, handler: handler}
	t.mu.Unlock()
	if err := wait(ctx, t.client.Subscribe(topic, qos, t.callback(handler)), t.cfg.OperationTimeout); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe drops the subscriptions.
func (t *PahoTransport) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, topic := range topics {
		delete(t.subs, topic)
	}
	t.mu.Unlock()
	if !t.client.IsConnectionOpen() {
		return nil
	}
	if err := wait(ctx, t.client.Unsubscribe(topics...), t.cfg.OperationTimeout); err != nil {
		return fmt.Errorf("mqtt: unsubscribe: %w", err)
	}
	return nil
}

// Publish sends payload to topic.
func (t *PahoTransport) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(ctx, t.client.Publish(topic, qos, retained, payload), t.cfg.OperationTimeout); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (t *PahoTransport) callback(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(t.base, msg.Topic(), msg.Payload())
	}
}

func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
