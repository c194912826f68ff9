package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"magicsaas-pipeline/internal/eventing"
	"magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/logging"
	"magicsaas-pipeline/internal/observability/metrics"
)

const (
	// DefaultQueryLimit applies when a type or layer query passes limit <= 0.
	DefaultQueryLimit     = 100
	defaultFlushSize      = 100
	defaultFlushInterval  = 5 * time.Second
	defaultBufferWarnSize = 10000
	defaultFlushTimeout   = 30 * time.Second
)

// ReplayHandler consumes events during replay.
type ReplayHandler func(ctx context.Context, event domain.SystemEvent) error

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Store buffers appended events and flushes them to a backend in batches.
type Store struct {
	backend       domain.Backend
	logger        zerolog.Logger
	bus           *eventing.Bus
	clock         Clock
	defaultTenant string

	flushSize      int
	flushInterval  time.Duration
	bufferWarnSize int
	flushTimeout   time.Duration

	mu     sync.Mutex
	buffer []domain.SystemEvent
	closed bool

	// flushMu serializes flushes so batches reach the backend in order.
	flushMu sync.Mutex
	signal  chan struct{}
	stop    chan struct{}

	startOnce    sync.Once
	loopDone     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	statsMu        sync.Mutex
	flushes        int64
	failedFlushes  int64
	lastFlushAt    time.Time
	lastFlushError string
}

// Option configures the store.
type Option func(*Store)

// WithFlushSize sets the buffer size that triggers an early flush.
func WithFlushSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.flushSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBufferWarnSize sets the buffered count above which failed flushes warn.
func WithBufferWarnSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufferWarnSize = n
		}
	}
}

// WithFlushTimeout bounds each background flush.
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushTimeout = d
		}
	}
}

// WithBus publishes every persisted event on bus after its batch commits.
func WithBus(bus *eventing.Bus) Option {
	return func(s *Store) {
		s.bus = bus
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDefaultTenant sets the tenant used when neither event nor context has one.
func WithDefaultTenant(tenantID string) Option {
	return func(s *Store) {
		s.defaultTenant = tenantID
	}
}

// NewStore constructs a store over backend.
func NewStore(backend domain.Backend, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("eventstore: nil backend")
	}
	s := &Store{
		backend:        backend,
		logger:         logger.With().Str("component", "eventstore").Logger(),
		clock:          systemClock{},
		flushSize:      defaultFlushSize,
		flushInterval:  defaultFlushInterval,
		bufferWarnSize: defaultBufferWarnSize,
		flushTimeout:   defaultFlushTimeout,
		signal:         make(chan struct{}, 1),
		stop:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append assigns id and metadata, buffers the event and returns it.
// The event is persisted by a later flush.
func (s *Store) Append(ctx context.Context, input domain.NewEvent) (domain.SystemEvent, error) {
	if err := input.Validate(); err != nil {
		return domain.SystemEvent{}, err
	}
	meta := eventing.MetaFromContext(ctx, s.defaultTenant)
	event := domain.SystemEvent{
		ID:          eventing.NewEventID(),
		Type:        input.Type,
		Layer:       input.Layer,
		Aggregate:   input.Aggregate,
		AggregateID: input.AggregateID,
		Metadata: domain.Metadata{
			Timestamp:     s.clock.Now().UTC(),
			CorrelationID: firstNonEmpty(input.CorrelationID, meta.CorrelationID),
			CausationID:   firstNonEmpty(input.CausationID, meta.CausationID, meta.EventID),
			UserID:        firstNonEmpty(input.UserID, meta.UserID),
			TenantID:      firstNonEmpty(input.TenantID, meta.TenantID),
		},
	}
	if len(input.Data) > 0 {
		event.Data = append([]byte(nil), input.Data...)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.SystemEvent{}, domain.ErrStoreClosed
	}
	s.buffer = append(s.buffer, event)
	buffered := len(s.buffer)
	s.mu.Unlock()

	metrics.IncEventAppend(event.Layer.String())
	metrics.SetBuffered(buffered)
	if buffered >= s.flushSize {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	return event, nil
}

// Flush writes all buffered events in one batch. On failure the batch is
// put back at the head of the buffer and the error is returned.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := s.backend.AppendBatch(ctx, batch)
	elapsed := time.Since(start)
	if err != nil {
		s.mu.Lock()
		requeued := make([]domain.SystemEvent, 0, len(batch)+len(s.buffer))
		requeued = append(requeued, batch...)
		requeued = append(requeued, s.buffer...)
		s.buffer = requeued
		buffered := len(s.buffer)
		s.mu.Unlock()

		s.recordFlush(err)
		metrics.SetBuffered(buffered)
		metrics.ObserveFlush(metrics.ResultError, elapsed, len(batch))

		logger := logging.Ctx(ctx, s.logger)
		if buffered >= s.bufferWarnSize {
			logger.Warn().Err(err).Int("buffered", buffered).Int("warn_size", s.bufferWarnSize).
				Msg("event buffer above warning size while backend is failing")
		} else {
			logger.Warn().Err(err).Int("batch", len(batch)).Int("buffered", buffered).Msg("flush failed; batch requeued")
		}
		return fmt.Errorf("eventstore: flush %d events: %w", len(batch), err)
	}

	s.recordFlush(nil)
	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()
	metrics.SetBuffered(buffered)
	metrics.ObserveFlush(metrics.ResultSuccess, elapsed, len(batch))
	s.publish(ctx, batch)
	return nil
}

func (s *Store) publish(ctx context.Context, batch []domain.SystemEvent) {
	if s.bus == nil {
		return
	}
	for _, event := range batch {
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("event subscriber failed")
		}
	}
}

func (s *Store) recordFlush(err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.lastFlushAt = s.clock.Now().UTC()
	if err != nil {
		s.failedFlushes++
		s.lastFlushError = err.Error()
		return
	}
	s.flushes++
	s.lastFlushError = ""
}

// GetAggregateEvents returns persisted events of one aggregate from offset from.
func (s *Store) GetAggregateEvents(ctx context.Context, aggregate, aggregateID string, from int) ([]domain.SystemEvent, error) {
	if strings.TrimSpace(aggregate) == "" || strings.TrimSpace(aggregateID) == "" {
		return nil, &domain.ValidationError{Field: "aggregate", Reason: "aggregate and id required"}
	}
	if from < 0 {
		from = 0
	}
	return s.backend.LoadAggregate(ctx, aggregate, aggregateID, from)
}

// GetEventsByType returns the newest limit persisted events of eventType in insertion order.
func (s *Store) GetEventsByType(ctx context.Context, eventType string, limit int) ([]domain.SystemEvent, error) {
	if strings.TrimSpace(eventType) == "" {
		return nil, &domain.ValidationError{Field: "type", Reason: "required"}
	}
	return s.backend.LoadByType(ctx, eventType, normalizeLimit(limit))
}

// GetLayerEvents returns the newest limit persisted events of layer in insertion order.
func (s *Store) GetLayerEvents(ctx context.Context, layer domain.Layer, limit int) ([]domain.SystemEvent, error) {
	if layer < 0 {
		return nil, &domain.ValidationError{Field: "layer", Reason: "must be non-negative"}
	}
	return s.backend.LoadByLayer(ctx, layer, normalizeLimit(limit))
}

// Replay feeds every persisted event of the aggregate to handler in order.
func (s *Store) Replay(ctx context.Context, aggregate, aggregateID string, handler ReplayHandler) error {
	return s.ReplayFrom(ctx, aggregate, aggregateID, 0, handler)
}

// ReplayFrom is Replay starting at positional offset from. It stops at the
// first handler error and returns a *domain.ReplayError.
func (s *Store) ReplayFrom(ctx context.Context, aggregate, aggregateID string, from int, handler ReplayHandler) error {
	if handler == nil {
		return errors.New("eventstore: nil replay handler")
	}
	events, err := s.GetAggregateEvents(ctx, aggregate, aggregateID, from)
	if err != nil {
		metrics.IncReplay(metrics.ResultError)
		return err
	}
	if from < 0 {
		from = 0
	}
	for i, event := range events {
		if err := ctx.Err(); err != nil {
			metrics.IncReplay(metrics.ResultError)
			return &domain.ReplayError{Aggregate: aggregate, AggregateID: aggregateID, Offset: from + i, EventID: event.ID, Err: err}
		}
		if err := handler(ctx, event); err != nil {
			metrics.IncReplay(metrics.ResultError)
			return &domain.ReplayError{Aggregate: aggregate, AggregateID: aggregateID, Offset: from + i, EventID: event.ID, Err: err}
		}
	}
	metrics.IncReplay(metrics.ResultSuccess)
	return nil
}

// Stats reports persisted counts and buffer state.
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	counts, err := s.backend.Counts(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return domain.Stats{
		Total:          counts.Total,
		ByType:         counts.ByType,
		ByLayer:        counts.ByLayer,
		Buffered:       buffered,
		Flushes:        s.flushes,
		FailedFlushes:  s.failedFlushes,
		LastFlushAt:    s.lastFlushAt,
		LastFlushError: s.lastFlushError,
	}, nil
}

// Buffered returns the number of events waiting for a flush.
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Run flushes on every interval tick and whenever the buffer reaches the
// flush size, until ctx is done or Shutdown is called.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.backgroundFlush(ctx)
		case <-s.signal:
			s.backgroundFlush(ctx)
		}
	}
}

// Serve runs the flush loop under a supervisor.
func (s *Store) Serve(ctx context.Context) error {
	err := s.Run(ctx)
	if err == nil {
		return suture.ErrDoNotRestart
	}
	return err
}

// Start runs the flush loop in a goroutine until Shutdown.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.loopDone)
			_ = s.Run(context.Background())
		}()
	})
}

func (s *Store) backgroundFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flushTimeout)
	defer cancel()
	// Failures are logged and retried on the next tick.
	_ = s.Flush(flushCtx)
}

// Shutdown stops the flush loop, flushes remaining events and closes the
// backend. Later calls return the first call's result.
func (s *Store) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)

		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
			}
		}

		flushErr := s.Flush(ctx)
		if flushErr != nil {
			s.logger.Error().Err(flushErr).Int("buffered", s.Buffered()).Msg("final flush failed; buffered events lost")
		}
		s.shutdownErr = errors.Join(flushErr, s.backend.Close())
	})
	return s.shutdownErr
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
