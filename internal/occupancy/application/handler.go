package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/eventing"
	esapp "magicsaas-pipeline/internal/eventstore/application"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/logging"
	"magicsaas-pipeline/internal/observability/metrics"
	"magicsaas-pipeline/internal/occupancy/domain"
)

// Event types written by the handler.
const (
	EventSensorEnter      = "sensor.enter"
	EventSensorLeave      = "sensor.leave"
	EventSensorCount      = "sensor.count"
	EventThresholdCrossed = "occupancy.threshold_crossed"

	// RoomAggregate is the aggregate name of room streams; ids are tenant:room.
	RoomAggregate = "room"
)

// EventAppender is the part of the event store the handler writes to.
type EventAppender interface {
	Append(ctx context.Context, event esdomain.NewEvent) (esdomain.SystemEvent, error)
}

// Replayer reads a room stream back.
type Replayer interface {
	Replay(ctx context.Context, aggregate, aggregateID string, handler esapp.ReplayHandler) error
}

// Listener receives threshold crossings. OnOccupancy runs while the room
// is locked and must not call Handle for the same room.
type Listener interface {
	OnOccupancy(ctx context.Context, event domain.OccupancyEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event domain.OccupancyEvent)

// OnOccupancy calls f.
func (f ListenerFunc) OnOccupancy(ctx context.Context, event domain.OccupancyEvent) {
	f(ctx, event)
}

// Config configures threshold detection.
type Config struct {
	Threshold  int
	Mode       domain.Mode
	Hysteresis int
	// Rooms overrides the threshold per room id or tenant:room key.
	Rooms map[string]int
}

// Validate checks config values.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return errors.New("occupancy: threshold must be >= 1")
	}
	if _, err := domain.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Hysteresis < 0 {
		return errors.New("occupancy: hysteresis must be >= 0")
	}
	for key, value := range c.Rooms {
		if value < 1 {
			return fmt.Errorf("occupancy: threshold for %s must be >= 1", key)
		}
	}
	return nil
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type room struct {
	mu    sync.Mutex
	state domain.RoomState
}

// Handler keeps per-room counters and emits edge-triggered crossings.
type Handler struct {
	cfg    Config
	store  EventAppender
	logger zerolog.Logger
	clock  Clock

	rooms    sync.Map
	registry *eventing.Registry

	listenersMu sync.RWMutex
	nextID      int
	listeners   map[int]Listener
	order       []int
}

// Option configures the handler.
type Option func(*Handler)

// WithEventStore appends sensor readings and crossings to store.
func WithEventStore(store EventAppender) Option {
	return func(h *Handler) {
		h.store = store
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHandler constructs an occupancy handler.
func NewHandler(cfg Config, logger zerolog.Logger, opts ...Option) (*Handler, error) {
	mode, err := domain.ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:       cfg,
		logger:    logger.With().Str("component", "occupancy").Logger(),
		clock:     systemClock{},
		listeners: make(map[int]Listener),
		registry:  eventing.NewRegistry(),
	}
	RegisterEvents(h.registry)
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// AddListener registers l for crossings and returns its unsubscribe func.
func (h *Handler) AddListener(l Listener) func() {
	if l == nil {
		return func() {}
	}
	h.listenersMu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = l
	h.order = append(h.order, id)
	h.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.listenersMu.Lock()
			defer h.listenersMu.Unlock()
			delete(h.listeners, id)
			for i, existing := range h.order {
				if existing == id {
					h.order = append(h.order[:i:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Handle applies one sensor event. Events of the same room are serialized;
// different rooms proceed in parallel.
func (h *Handler) Handle(ctx context.Context, event domain.SensorEvent) (domain.OccupancyEvent, error) {
	if err := event.Validate(); err != nil {
		return domain.OccupancyEvent{}, err
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = h.clock.Now()
	}
	r := h.room(event.TenantID, event.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	out, next := h.transition(r.state, event)

	var causation string
	if h.store != nil {
		stored, err := h.appendSensor(ctx, event)
		if err != nil {
			return domain.OccupancyEvent{}, fmt.Errorf("occupancy: record sensor event: %w", err)
		}
		causation = stored.ID
	}
	r.state = next
	metrics.SetOccupancy(event.TenantID, event.RoomID, out.Count)

	if out.ThresholdCrossed {
		direction := "under"
		if out.Over {
			direction = "over"
		}
		metrics.IncOccupancyCrossing(direction)
		logging.Ctx(ctx, h.logger).Info().
			Str("tenant_id", out.TenantID).
			Str("room_id", out.RoomID).
			Int("count", out.Count).
			Int("threshold", out.Threshold).
			Bool("over", out.Over).
			Msg("occupancy threshold crossed")
		if h.store != nil {
			h.appendCrossing(ctx, out, causation)
		}
		h.notify(ctx, out)
	}
	return out, nil
}

func (h *Handler) transition(state domain.RoomState, event domain.SensorEvent) (domain.OccupancyEvent, domain.RoomState) {
	threshold := h.threshold(event.TenantID, event.RoomID)
	count := event.Reading.Apply(state.Count)
	over := threshold.Next(state.Over, count)

	next := domain.RoomState{
		TenantID:  event.TenantID,
		RoomID:    event.RoomID,
		Count:     count,
		Over:      over,
		Threshold: threshold.Value,
		UpdatedAt: event.ObservedAt,
	}
	out := domain.OccupancyEvent{
		TenantID:         event.TenantID,
		RoomID:           event.RoomID,
		Count:            count,
		Previous:         state.Count,
		Direction:        domain.DirectionOf(state.Count, count),
		ThresholdCrossed: over != state.Over,
		Over:             over,
		Threshold:        threshold.Value,
		SensorID:         event.SensorID,
		ObservedAt:       event.ObservedAt,
	}
	return out, next
}

func (h *Handler) threshold(tenantID, roomID string) domain.Threshold {
	value := h.cfg.Threshold
	if override, ok := h.cfg.Rooms[domain.RoomKey(tenantID, roomID)]; ok {
		value = override
	} else if override, ok := h.cfg.Rooms[roomID]; ok {
		value = override
	}
	return domain.Threshold{Value: value, Mode: h.cfg.Mode, Hysteresis: h.cfg.Hysteresis}
}

func (h *Handler) appendSensor(ctx context.Context, event domain.SensorEvent) (esdomain.SystemEvent, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return esdomain.SystemEvent{}, err
	}
	return h.store.Append(ctx, esdomain.NewEvent{
		Type:        SensorEventType(event.Reading),
		Layer:       esdomain.LayerIngestion,
		Aggregate:   RoomAggregate,
		AggregateID: domain.RoomKey(event.TenantID, event.RoomID),
		Data:        data,
		TenantID:    event.TenantID,
	})
}

func (h *Handler) appendCrossing(ctx context.Context, out domain.OccupancyEvent, causation string) {
	data, err := json.Marshal(out)
	if err == nil {
		_, err = h.store.Append(ctx, esdomain.NewEvent{
			Type:        EventThresholdCrossed,
			Layer:       esdomain.LayerDomain,
			Aggregate:   RoomAggregate,
			AggregateID: domain.RoomKey(out.TenantID, out.RoomID),
			Data:        data,
			TenantID:    out.TenantID,
			CausationID: causation,
		})
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", out.RoomID).Msg("record threshold crossing failed")
	}
}

func (h *Handler) notify(ctx context.Context, event domain.OccupancyEvent) {
	h.listenersMu.RLock()
	listeners := make([]Listener, 0, len(h.order))
	for _, id := range h.order {
		listeners = append(listeners, h.listeners[id])
	}
	h.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnOccupancy(ctx, event)
	}
}

// RegisterEvents binds the occupancy event types to their payloads.
func RegisterEvents(registry *eventing.Registry) {
	registry.Register(EventSensorEnter, domain.SensorEvent{})
	registry.Register(EventSensorLeave, domain.SensorEvent{})
	registry.Register(EventSensorCount, domain.SensorEvent{})
	registry.Register(EventThresholdCrossed, domain.OccupancyEvent{})
}

// SensorEventType maps a reading to its stored event type.
func SensorEventType(reading domain.Reading) string {
	if reading.Kind == domain.ReadingAbsolute {
		return EventSensorCount
	}
	if reading.Value < 0 {
		return EventSensorLeave
	}
	return EventSensorEnter
}

// Count returns the current count of a room, zero when unknown.
func (h *Handler) Count(tenantID, roomID string) int {
	state, _ := h.State(tenantID, roomID)
	return state.Count
}

// State returns a room's state and whether the room has been seen.
func (h *Handler) State(tenantID, roomID string) (domain.RoomState, bool) {
	value, ok := h.rooms.Load(domain.RoomKey(tenantID, roomID))
	if !ok {
		return domain.RoomState{TenantID: tenantID, RoomID: roomID, Threshold: h.threshold(tenantID, roomID).Value}, false
	}
	r := value.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, true
}

// FindRoom returns the state of the first tenant's room matching roomID
// case-insensitively.
func (h *Handler) FindRoom(tenantID, roomID string) (domain.RoomState, bool) {
	if state, ok := h.State(tenantID, roomID); ok {
		return state, true
	}
	for _, state := range h.Snapshot() {
		if (tenantID == "" || state.TenantID == tenantID) && strings.EqualFold(state.RoomID, roomID) {
			return state, true
		}
	}
	return domain.RoomState{}, false
}

// Snapshot returns all rooms sorted by tenant and room.
func (h *Handler) Snapshot() []domain.RoomState {
	var states []domain.RoomState
	h.rooms.Range(func(_, value any) bool {
		r := value.(*room)
		r.mu.Lock()
		states = append(states, r.state)
		r.mu.Unlock()
		return true
	})
	sort.Slice(states, func(i, j int) bool {
		if states[i].TenantID != states[j].TenantID {
			return states[i].TenantID < states[j].TenantID
		}
		return states[i].RoomID < states[j].RoomID
	})
	return states
}

// Rebuild resets a room and replays its stored sensor events through the
// same transition, without appending or notifying.
func (h *Handler) Rebuild(ctx context.Context, replayer Replayer, tenantID, roomID string) (domain.RoomState, error) {
	if replayer == nil {
		return domain.RoomState{}, errors.New("occupancy: nil replayer")
	}
	r := h.room(tenantID, roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	state := domain.RoomState{TenantID: tenantID, RoomID: roomID, Threshold: h.threshold(tenantID, roomID).Value}
	err := replayer.Replay(ctx, RoomAggregate, domain.RoomKey(tenantID, roomID), func(_ context.Context, stored esdomain.SystemEvent) error {
		decoded, err := h.registry.Decode(stored)
		if err != nil {
			return fmt.Errorf("decode %s: %w", stored.ID, err)
		}
		if event, ok := decoded.(domain.SensorEvent); ok {
			_, state = h.transition(state, event)
		}
		return nil
	})
	if err != nil {
		return domain.RoomState{}, err
	}
	r.state = state
	metrics.SetOccupancy(tenantID, roomID, state.Count)
	return state, nil
}

func (h *Handler) room(tenantID, roomID string) *room {
	key := domain.RoomKey(tenantID, roomID)
	if value, ok := h.rooms.Load(key); ok {
		return value.(*room)
	}
	value, _ := h.rooms.LoadOrStore(key, &room{state: domain.RoomState{
		TenantID:  tenantID,
		RoomID:    roomID,
		Threshold: h.threshold(tenantID, roomID).Value,
	}})
	return value.(*room)
}
