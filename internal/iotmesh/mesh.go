// Package iotmesh composes the MQTT client, the optional Zigbee bridge and
// the occupancy handler behind one connect/disconnect lifecycle.
package iotmesh

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/occupancy/domain"
	"magicsaas-pipeline/internal/occupancy/interfaces/mqtt"
	"magicsaas-pipeline/internal/occupancy/interfaces/zigbee"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 4
)

// ErrDraining is returned by Connect while workers of the previous
// connection are still handling queued events.
var ErrDraining = errors.New("iotmesh: previous connection still draining")

// SensorHandler consumes canonical sensor events.
type SensorHandler interface {
	Handle(ctx context.Context, event domain.SensorEvent) (domain.OccupancyEvent, error)
}

// Flusher persists buffered events on disconnect.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Config configures the mesh.
type Config struct {
	MQTT      mqtt.ClientConfig
	QueueSize int
	// Workers is the number of handler goroutines. Events of one room
	// always go to the same worker.
	Workers int
	// DisconnectTimeout bounds Disconnect when called from Serve.
	DisconnectTimeout time.Duration
}

// Mesh owns the sensor pipeline from broker to occupancy handler.
type Mesh struct {
	cfg       Config
	transport mqtt.Transport
	handler   SensorHandler
	store     Flusher
	logger    zerolog.Logger

	in        chan domain.SensorEvent
	client    *mqtt.Client
	bridge    *zigbee.Bridge
	publisher *mqtt.StatePublisher

	mu        sync.Mutex
	connected bool
	stop      chan struct{}
	// drained is closed once every worker of the last connection exited.
	drained chan struct{}
}

// Option configures the mesh.
type Option func(*Mesh) error

// WithZigbee adds a Zigbee2MQTT bridge feeding the same queue.
func WithZigbee(cfg zigbee.BridgeConfig, devices zigbee.DeviceMap) Option {
	return func(m *Mesh) error {
		bridge, err := zigbee.NewBridge(cfg, devices, m.transport, m.in, m.logger)
		if err != nil {
			return err
		}
		m.bridge = bridge
		return nil
	}
}

// WithStatePublisher ties publisher's lifecycle to the mesh.
func WithStatePublisher(publisher *mqtt.StatePublisher) Option {
	return func(m *Mesh) error {
		m.publisher = publisher
		return nil
	}
}

// New builds a mesh. store may be nil.
func New(cfg Config, transport mqtt.Transport, store Flusher, handler SensorHandler, logger zerolog.Logger, opts ...Option) (*Mesh, error) {
	if transport == nil {
		return nil, errors.New("iotmesh: nil transport")
	}
	if handler == nil {
		return nil, errors.New("iotmesh: nil handler")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 10 * time.Second
	}
	m := &Mesh{
		cfg:       cfg,
		transport: transport,
		handler:   handler,
		store:     store,
		logger:    logger.With().Str("component", "iotmesh").Logger(),
		in:        make(chan domain.SensorEvent, cfg.QueueSize),
	}
	client, err := mqtt.NewClient(cfg.MQTT, transport, m.in, logger)
	if err != nil {
		return nil, err
	}
	m.client = client
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Client returns the MQTT occupancy client.
func (m *Mesh) Client() *mqtt.Client {
	return m.client
}

// Bridge returns the Zigbee bridge, or nil.
func (m *Mesh) Bridge() *zigbee.Bridge {
	return m.bridge
}

// Connected reports whether Connect has succeeded and Disconnect not yet run.
func (m *Mesh) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connect connects the transport, starts the workers and subscribes.
// On failure everything already started is torn down again.
func (m *Mesh) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	if m.drained != nil {
		select {
		case <-m.drained:
		default:
			return ErrDraining
		}
	}
	if err := m.transport.Connect(ctx); err != nil {
		return fmt.Errorf("iotmesh: connect: %w", err)
	}
	if m.publisher != nil {
		m.publisher.Start()
	}
	m.startWorkers()

	if err := m.client.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("iotmesh: subscribe: %w", err), m.teardown(ctx))
	}
	if m.bridge != nil {
		if err := m.bridge.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("iotmesh: subscribe zigbee: %w", err), m.teardown(ctx))
		}
	}
	m.connected = true
	m.logger.Info().Int("workers", m.cfg.Workers).Bool("zigbee", m.bridge != nil).Msg("iot mesh connected")
	return nil
}

// Disconnect unsubscribes, drains queued events into the handler, flushes
// the store, stops the state publisher and releases the broker connection.
// Every step runs even when an earlier one fails; the errors are joined.
func (m *Mesh) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false
	err := m.teardown(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("iot mesh disconnect finished with errors")
	} else {
		m.logger.Info().Msg("iot mesh disconnected")
	}
	return err
}

func (m *Mesh) teardown(ctx context.Context) error {
	var errs []error
	if err := m.client.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	if m.bridge != nil {
		if err := m.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe zigbee: %w", err))
		}
	}
	if err := m.stopWorkers(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	// Flushing publishes persisted crossings to bus consumers, so it runs
	// while the state publisher still accepts them.
	if m.store != nil {
		if err := m.store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
	}
	if m.publisher != nil {
		if err := m.publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("state publisher: %w", err))
		}
	}
	if err := m.transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	return errors.Join(errs...)
}

// Serve connects, blocks until ctx ends and disconnects.
func (m *Mesh) Serve(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DisconnectTimeout)
	defer cancel()
	if err := m.Disconnect(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// startWorkers gives each connection its own WaitGroup; a drain that
// outlived its Disconnect never shares one with the next connection.
func (m *Mesh) startWorkers() {
	m.stop = make(chan struct{})
	drained := make(chan struct{})
	m.drained = drained

	var wg sync.WaitGroup
	shards := make([]chan domain.SensorEvent, m.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan domain.SensorEvent, m.cfg.QueueSize/m.cfg.Workers+1)
		wg.Add(1)
		go m.work(&wg, shards[i])
	}
	wg.Add(1)
	go m.route(&wg, m.stop, shards)
	go func() {
		wg.Wait()
		close(drained)
	}()
}

// route forwards queued events to the shard of their room. After stop it
// drains what is already queued and closes the shards.
func (m *Mesh) route(wg *sync.WaitGroup, stop <-chan struct{}, shards []chan domain.SensorEvent) {
	defer wg.Done()
	defer func() {
		for _, shard := range shards {
			close(shard)
		}
	}()
	for {
		select {
		case event := <-m.in:
			shards[shardOf(event, len(shards))] <- event
		case <-stop:
			for {
				select {
				case event := <-m.in:
					shards[shardOf(event, len(shards))] <- event
				default:
					return
				}
			}
		}
	}
}

func (m *Mesh) work(wg *sync.WaitGroup, shard <-chan domain.SensorEvent) {
	defer wg.Done()
	for event := range shard {
		if _, err := m.handler.Handle(context.Background(), event); err != nil {
			m.logger.Warn().Err(err).Str("tenant_id", event.TenantID).Str("room_id", event.RoomID).Msg("handle sensor event failed")
		}
	}
}

func (m *Mesh) stopWorkers(ctx context.Context) error {
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	m.stop = nil
	select {
	case <-m.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardOf(event domain.SensorEvent, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain.RoomKey(event.TenantID, event.RoomID)))
	return int(h.Sum32() % uint32(n))
}
