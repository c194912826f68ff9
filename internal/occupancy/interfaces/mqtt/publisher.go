package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/eventing"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/occupancy/domain"
)

const defaultPublisherQueue = 256

var (
	// ErrPublisherStopped is returned for crossings offered while the publisher is not running.
	ErrPublisherStopped = errors.New("mqtt: state publisher not running")
	// ErrStateQueueFull is returned when the publish queue has no room.
	ErrStateQueueFull = errors.New("mqtt: state queue full")
)

// statePayload is published on <ns>/<tenant>/<room>/occupancy/state.
type statePayload struct {
	Count     int       `json:"count"`
	Previous  int       `json:"previous"`
	Over      bool      `json:"over"`
	Threshold int       `json:"threshold"`
	Direction string    `json:"direction"`
	SensorID  string    `json:"sensor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatePublisher republishes threshold crossings to the broker. Crossings
// are queued and published by one goroutine so callers never block on the
// broker.
type StatePublisher struct {
	transport Transport
	namespace string
	qos       byte
	registry  *eventing.Registry
	logger    zerolog.Logger

	queue chan domain.OccupancyEvent

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewStatePublisher constructs a publisher with a queue of queueSize.
func NewStatePublisher(transport Transport, namespace string, qos byte, registry *eventing.Registry, queueSize int, logger zerolog.Logger) (*StatePublisher, error) {
	if transport == nil {
		return nil, errors.New("mqtt: nil transport")
	}
	if namespace == "" {
		return nil, errors.New("mqtt: empty namespace")
	}
	if registry == nil {
		registry = eventing.NewRegistry()
	}
	if queueSize <= 0 {
		queueSize = defaultPublisherQueue
	}
	return &StatePublisher{
		transport: transport,
		namespace: namespace,
		qos:       qos,
		registry:  registry,
		logger:    logger.With().Str("component", "state_publisher").Logger(),
		queue:     make(chan domain.OccupancyEvent, queueSize),
	}, nil
}

// StateTopic returns the state topic of a room.
func (p *StatePublisher) StateTopic(tenantID, roomID string) string {
	return fmt.Sprintf("%s/%s/%s/occupancy/state", p.namespace, tenantID, roomID)
}

// OnOccupancy queues a crossing. A crossing that cannot be queued is logged
// and dropped.
func (p *StatePublisher) OnOccupancy(_ context.Context, event domain.OccupancyEvent) {
	if err := p.enqueue(event); err != nil {
		p.logger.Warn().Err(err).Str("room_id", event.RoomID).Msg("dropping crossing")
	}
}

// Consume is an eventing.Handler for persisted crossing events. It fails
// when the crossing cannot be queued so the event is not marked processed.
func (p *StatePublisher) Consume(_ context.Context, stored esdomain.SystemEvent) error {
	event, err := eventing.DecodeAs[domain.OccupancyEvent](p.registry, stored)
	if err != nil {
		return err
	}
	if err := p.enqueue(event); err != nil {
		return fmt.Errorf("state publisher: event %s: %w", stored.ID, err)
	}
	return nil
}

// enqueue holds mu so nothing is queued after Close has started draining.
func (p *StatePublisher) enqueue(event domain.OccupancyEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrPublisherStopped
	}
	select {
	case p.queue <- event:
		return nil
	default:
		return ErrStateQueueFull
	}
}

// Start launches the publishing goroutine. It may be called again after Close.
func (p *StatePublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done)
}

func (p *StatePublisher) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case event := <-p.queue:
			p.publish(event)
		case <-stop:
			for {
				select {
				case event := <-p.queue:
					p.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (p *StatePublisher) publish(event domain.OccupancyEvent) {
	payload, err := json.Marshal(statePayload{
		Count:     event.Count,
		Previous:  event.Previous,
		Over:      event.Over,
		Threshold: event.Threshold,
		Direction: string(event.Direction),
		SensorID:  event.SensorID,
		Timestamp: event.ObservedAt,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("encode state payload")
		return
	}
	topic := p.StateTopic(event.TenantID, event.RoomID)
	if err := p.transport.Publish(context.Background(), topic, p.qos, true, payload); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("publish occupancy state failed")
	}
}

// Close drains queued crossings and stops the goroutine.
func (p *StatePublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
