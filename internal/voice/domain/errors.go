package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlexaNotConfigured is returned when no intent router was set up.
	ErrAlexaNotConfigured = errors.New("voice: alexa not configured")
	// ErrIntentNotFound is wrapped by IntentNotFoundError.
	ErrIntentNotFound = errors.New("voice: intent not found")
	// ErrCircuitOpen is returned while the transcription breaker is open.
	ErrCircuitOpen = errors.New("voice: transcription circuit open")
	// ErrSessionNotFound is returned for unknown or finished dictation sessions.
	ErrSessionNotFound = errors.New("voice: dictation session not found")
	// ErrEmptyAudio is returned when there is nothing to transcribe.
	ErrEmptyAudio = errors.New("voice: empty audio")
	// ErrTranscriptionDisabled is returned when no speech-to-text backend is configured.
	ErrTranscriptionDisabled = errors.New("voice: transcription disabled")
)

// TranscriptionError is a failed transcription call.
type TranscriptionError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *TranscriptionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("voice: transcription failed (%d): %s", e.StatusCode, e.Message)
	}
	return "voice: transcription failed: " + e.Message
}

// IntentNotFoundError names the intent with no handler.
type IntentNotFoundError struct {
	Name string
}

func (e *IntentNotFoundError) Error() string {
	return fmt.Sprintf("voice: intent %q not found", e.Name)
}

func (e *IntentNotFoundError) Unwrap() error {
	return ErrIntentNotFound
}

// InvalidEnvelopeError lists envelope fields that failed validation.
type InvalidEnvelopeError struct {
	Fields []string
}

func (e *InvalidEnvelopeError) Error() string {
	return "voice: invalid alexa envelope: " + strings.Join(e.Fields, ", ")
}
