// Package voicebridge composes the speech-to-text client, the dictation
// service and an optional Alexa intent router behind one handle.
package voicebridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	voiceapp "magicsaas-pipeline/internal/voice/application"
	"magicsaas-pipeline/internal/voice/domain"
)

// Bridge owns one dictation service and at most one intent router.
type Bridge struct {
	stt       voiceapp.Transcriber
	dictation *voiceapp.DictationService
	router    *voiceapp.IntentRouter
	logger    zerolog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Option configures the bridge.
type Option func(*Bridge) error

// WithAlexa enables Alexa request handling.
func WithAlexa(router *voiceapp.IntentRouter) Option {
	return func(b *Bridge) error {
		if router == nil {
			return errors.New("voicebridge: nil intent router")
		}
		b.router = router
		return nil
	}
}

// New builds the bridge. store may be nil, in which case segments are not recorded.
func New(cfg voiceapp.DictationConfig, stt voiceapp.Transcriber, store voiceapp.EventAppender, logger zerolog.Logger, opts ...Option) (*Bridge, error) {
	if stt == nil {
		return nil, errors.New("voicebridge: nil transcriber")
	}
	var dictOpts []voiceapp.DictationOption
	if store != nil {
		dictOpts = append(dictOpts, voiceapp.WithDictationStore(store))
	}
	dictation, err := voiceapp.NewDictationService(cfg, stt, logger, dictOpts...)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		stt:       stt,
		dictation: dictation,
		logger:    logger.With().Str("component", "voicebridge").Logger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	b.logger.Info().Bool("alexa", b.router != nil).Msg("voice bridge ready")
	return b, nil
}

// Transcribe runs a one-shot dictation.
func (b *Bridge) Transcribe(ctx context.Context, req voiceapp.DictationRequest) (domain.Transcript, error) {
	if err := b.usable(); err != nil {
		return domain.Transcript{}, err
	}
	return b.dictation.Transcribe(ctx, req)
}

// Dictation exposes the session API.
func (b *Bridge) Dictation() *voiceapp.DictationService {
	return b.dictation
}

// HandleAlexaRequest dispatches to the intent router.
func (b *Bridge) HandleAlexaRequest(ctx context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error) {
	if err := b.usable(); err != nil {
		return domain.AlexaResponse{}, err
	}
	if b.router == nil {
		return domain.AlexaResponse{}, domain.ErrAlexaNotConfigured
	}
	return b.router.HandleRequest(ctx, req)
}

// RegisterIntent adds or replaces an intent handler.
func (b *Bridge) RegisterIntent(name string, handler voiceapp.IntentHandler) error {
	if b.router == nil {
		return domain.ErrAlexaNotConfigured
	}
	return b.router.RegisterIntent(name, handler)
}

// AlexaEnabled reports whether an intent router is configured.
func (b *Bridge) AlexaEnabled() bool {
	return b.router != nil
}

// Close cancels open dictation sessions. Later calls are no-ops.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		n := b.dictation.CancelAll()
		b.logger.Info().Int("cancelled_sessions", n).Msg("voice bridge closed")
	})
	return ctx.Err()
}

func (b *Bridge) usable() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("voicebridge: closed")
