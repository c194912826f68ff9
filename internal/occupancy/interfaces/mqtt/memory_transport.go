package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotConnected is returned by MemoryTransport operations before Connect.
var ErrNotConnected = errors.New("mqtt: not connected")

// PublishedMessage is a message recorded by MemoryTransport.
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MemoryTransport is an in-process broker. Publish delivers synchronously
// to matching subscriptions. It backs tests and broker-less runs.
type MemoryTransport struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]MessageHandler
	published []PublishedMessage
	failWith  error
}

// NewMemoryTransport constructs a disconnected in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]MessageHandler)}
}

// FailConnect makes Connect return err until cleared with nil.
func (t *MemoryTransport) FailConnect(err error) {
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
}

// Connect marks the transport connected.
func (t *MemoryTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	t.connected = true
	return nil
}

// Disconnect marks the transport disconnected.
func (t *MemoryTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

// IsConnected reports the connection state.
func (t *MemoryTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Subscribe registers handler for a topic filter.
func (t *MemoryTransport) Subscribe(_ context.Context, topic string, _ byte, handler MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.subs[topic] = handler
	return nil
}

// Unsubscribe removes topic filters.
func (t *MemoryTransport) Unsubscribe(_ context.Context, topics ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		delete(t.subs, topic)
	}
	return nil
}

// Publish records the message and delivers it to matching subscriptions.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.published = append(t.published, PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: append([]byte(nil), payload...)})
	var handlers []MessageHandler
	for filter, handler := range t.subs {
		if TopicMatches(filter, topic) {
			handlers = append(handlers, handler)
		}
	}
	t.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, topic, payload)
	}
	return nil
}

// Subscriptions returns the active topic filters.
func (t *MemoryTransport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	topics := make([]string, 0, len(t.subs))
	for topic := range t.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Published returns messages published so far.
func (t *MemoryTransport) Published() []PublishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PublishedMessage(nil), t.published...)
}

// TopicMatches reports whether topic matches an MQTT filter with + and #.
func TopicMatches(filter, topic string) bool {
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, part := range fparts {
		if part == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if part != "+" && part != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
