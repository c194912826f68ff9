package application

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/eventing"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/voice/domain"
)

const (
	// EventDictationTranscribed is appended for every transcribed segment.
	EventDictationTranscribed = "voice.dictation.transcribed"
	// DictationAggregate groups segments of one dictation.
	DictationAggregate = "dictation"
)

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, req domain.TranscriptionRequest) (domain.Transcript, error)
}

// EventAppender records events.
type EventAppender interface {
	Append(ctx context.Context, input esdomain.NewEvent) (esdomain.SystemEvent, error)
}

// Clock provides time for buffering decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// DictationConfig configures tenant context and chunk buffering.
type DictationConfig struct {
	Tenant string
	Petala string
	// MinChunkBytes is the buffered size that triggers a transcription.
	MinChunkBytes int
	// MaxBufferAge flushes a smaller buffer once its first chunk is this old.
	MaxBufferAge time.Duration
	// SessionTTL drops sessions idle for longer.
	SessionTTL time.Duration
}

// DictationRequest is a one-shot transcription with context.
type DictationRequest struct {
	Audio    domain.Audio
	Hint     domain.DomainHint
	Language string
	TenantID string
	Petala   string
	UserID   string
}

// SessionOptions opens a dictation session.
type SessionOptions struct {
	Format   domain.AudioFormat
	Hint     domain.DomainHint
	Language string
	TenantID string
	Petala   string
	UserID   string
}

// Segment is one transcribed part of a session.
type Segment struct {
	Index      int               `json:"index"`
	Transcript domain.Transcript `json:"transcript"`
}

// DictationResult is the outcome of a finished session.
type DictationResult struct {
	SessionID  string            `json:"sessionId"`
	Transcript domain.Transcript `json:"transcript"`
	Segments   int               `json:"segments"`
}

type transcribedPayload struct {
	SessionID  string `json:"sessionId"`
	Segment    int    `json:"segment"`
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Petala     string `json:"petala,omitempty"`
	Domain     string `json:"domain,omitempty"`
	Specialty  string `json:"specialty,omitempty"`
}

type session struct {
	mu       sync.Mutex
	id       string
	opts     SessionOptions
	buf      []byte
	since    time.Time
	touched  time.Time
	texts    []string
	language string
	duration time.Duration
	segments int
	closed   bool
}

// DictationService wraps a transcriber with tenant context and buffering.
type DictationService struct {
	cfg    DictationConfig
	stt    Transcriber
	store  EventAppender
	clock  Clock
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// DictationOption configures the service.
type DictationOption func(*DictationService)

// WithDictationStore records transcribed segments.
func WithDictationStore(store EventAppender) DictationOption {
	return func(s *DictationService) {
		s.store = store
	}
}

// WithDictationClock overrides the clock.
func WithDictationClock(clock Clock) DictationOption {
	return func(s *DictationService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewDictationService constructs the service.
func NewDictationService(cfg DictationConfig, stt Transcriber, logger zerolog.Logger, opts ...DictationOption) (*DictationService, error) {
	if stt == nil {
		return nil, errors.New("dictation: transcriber is required")
	}
	if cfg.MinChunkBytes < 0 || cfg.MaxBufferAge < 0 || cfg.SessionTTL < 0 {
		return nil, errors.New("dictation: negative buffering limits")
	}
	s := &DictationService{
		cfg:      cfg,
		stt:      stt,
		clock:    systemClock{},
		logger:   logger.With().Str("component", "dictation").Logger(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Transcribe runs a one-shot transcription and records it.
func (s *DictationService) Transcribe(ctx context.Context, req DictationRequest) (domain.Transcript, error) {
	if len(req.Audio.Data) == 0 {
		return domain.Transcript{}, domain.ErrEmptyAudio
	}
	opts := s.withDefaults(SessionOptions{
		Format:   req.Audio.Format,
		Hint:     req.Hint,
		Language: req.Language,
		TenantID: req.TenantID,
		Petala:   req.Petala,
		UserID:   req.UserID,
	})
	transcript, err := s.stt.Transcribe(ctx, domain.TranscriptionRequest{
		Audio:    req.Audio,
		Hint:     opts.Hint,
		Language: opts.Language,
	})
	if err != nil {
		return domain.Transcript{}, err
	}
	if err := s.record(ctx, eventing.NewEventID(), 0, opts, transcript); err != nil {
		return domain.Transcript{}, err
	}
	return transcript, nil
}

// StartSession opens a buffered dictation session and returns its id.
func (s *DictationService) StartSession(ctx context.Context, opts SessionOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.clock.Now()
	sess := &session{
		id:      eventing.NewEventID(),
		opts:    s.withDefaults(opts),
		touched: now,
	}

	s.mu.Lock()
	s.reapLocked(now)
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Debug().Str("session_id", sess.id).Str("tenant_id", sess.opts.TenantID).Msg("dictation session started")
	return sess.id, nil
}

// AppendChunk buffers audio and transcribes once the buffer is large or old enough.
// It returns the segment when one was produced.
func (s *DictationService) AppendChunk(ctx context.Context, sessionID string, chunk []byte) (*Segment, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, domain.ErrSessionNotFound
	}

	now := s.clock.Now()
	sess.touched = now
	if len(chunk) > 0 {
		if len(sess.buf) == 0 {
			sess.since = now
		}
		sess.buf = append(sess.buf, chunk...)
	}
	if !s.ready(sess, now) {
		return nil, nil
	}
	return s.flush(ctx, sess)
}

// Finish transcribes any remaining audio, closes the session and returns the joined transcript.
func (s *DictationService) Finish(ctx context.Context, sessionID string) (DictationResult, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return DictationResult{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return DictationResult{}, domain.ErrSessionNotFound
	}
	if len(sess.buf) > 0 {
		if _, err := s.flush(ctx, sess); err != nil {
			return DictationResult{}, err
		}
	}
	sess.closed = true
	s.remove(sessionID)

	return DictationResult{
		SessionID: sess.id,
		Transcript: domain.Transcript{
			Text:     strings.Join(sess.texts, " "),
			Language: sess.language,
			Duration: sess.duration,
		},
		Segments: sess.segments,
	}, nil
}

// Cancel discards a session and its buffered audio.
func (s *DictationService) Cancel(sessionID string) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.closed = true
	sess.buf = nil
	sess.mu.Unlock()
	s.remove(sessionID)
	return nil
}

// CancelAll discards every open session and returns how many were open.
func (s *DictationService) CancelAll() int {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		open = append(open, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.mu.Lock()
		sess.closed = true
		sess.buf = nil
		sess.mu.Unlock()
	}
	return len(open)
}

// Sessions returns the number of open sessions.
func (s *DictationService) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *DictationService) ready(sess *session, now time.Time) bool {
	if len(sess.buf) == 0 {
		return false
	}
	if len(sess.buf) >= s.cfg.MinChunkBytes {
		return true
	}
	return s.cfg.MaxBufferAge > 0 && now.Sub(sess.since) >= s.cfg.MaxBufferAge
}

// flush transcribes the buffer. The buffer is kept when transcription fails.
func (s *DictationService) flush(ctx context.Context, sess *session) (*Segment, error) {
	transcript, err := s.stt.Transcribe(ctx, domain.TranscriptionRequest{
		Audio:    domain.Audio{Data: sess.buf, Format: sess.opts.Format},
		Hint:     sess.opts.Hint,
		Language: sess.opts.Language,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.id).Int("bytes", len(sess.buf)).Msg("dictation segment failed")
		return nil, err
	}

	index := sess.segments
	sess.buf = nil
	sess.since = time.Time{}
	sess.segments++
	sess.duration += transcript.Duration
	if sess.language == "" {
		sess.language = transcript.Language
	}
	if text := strings.TrimSpace(transcript.Text); text != "" {
		sess.texts = append(sess.texts, text)
	}

	segment := &Segment{Index: index, Transcript: transcript}
	if err := s.record(ctx, sess.id, index, sess.opts, transcript); err != nil {
		return segment, err
	}
	return segment, nil
}

func (s *DictationService) record(ctx context.Context, sessionID string, index int, opts SessionOptions, transcript domain.Transcript) error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(transcribedPayload{
		SessionID:  sessionID,
		Segment:    index,
		Text:       transcript.Text,
		Language:   transcript.Language,
		DurationMS: transcript.Duration.Milliseconds(),
		Petala:     opts.Petala,
		Domain:     string(opts.Hint.Domain),
		Specialty:  opts.Hint.Specialty,
	})
	if err != nil {
		return err
	}
	_, err = s.store.Append(ctx, esdomain.NewEvent{
		Type:        EventDictationTranscribed,
		Layer:       esdomain.LayerAI,
		Aggregate:   DictationAggregate,
		AggregateID: sessionID,
		Data:        data,
		TenantID:    opts.TenantID,
		UserID:      opts.UserID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("record dictation segment failed")
	}
	return err
}

func (s *DictationService) withDefaults(opts SessionOptions) SessionOptions {
	if opts.TenantID == "" {
		opts.TenantID = s.cfg.Tenant
	}
	if opts.Petala == "" {
		opts.Petala = s.cfg.Petala
	}
	if opts.Hint.Domain == "" {
		opts.Hint.Domain = domain.DomainGeneral
	}
	return opts
}

func (s *DictationService) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(s.clock.Now())
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *DictationService) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// reapLocked drops sessions idle longer than SessionTTL. s.mu must be held.
func (s *DictationService) reapLocked(now time.Time) {
	if s.cfg.SessionTTL <= 0 {
		return
	}
	for id, sess := range s.sessions {
		if !sess.mu.TryLock() {
			continue
		}
		if now.Sub(sess.touched) > s.cfg.SessionTTL {
			sess.closed = true
			sess.buf = nil
			delete(s.sessions, id)
			s.logger.Info().Str("session_id", id).Msg("dictation session expired")
		}
		sess.mu.Unlock()
	}
}
