package voicebridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esapp "magicsaas-pipeline/internal/eventstore/application"
	"magicsaas-pipeline/internal/eventstore/infrastructure/memory"
	"magicsaas-pipeline/internal/logging"
	voiceapp "magicsaas-pipeline/internal/voice/application"
	"magicsaas-pipeline/internal/voice/domain"
)

type echoSTT struct{}

func (echoSTT) Transcribe(_ context.Context, req domain.TranscriptionRequest) (domain.Transcript, error) {
	return domain.Transcript{Text: string(req.Audio.Data)}, nil
}

func alexaRequest(intent string) domain.AlexaRequest {
	return domain.AlexaRequest{
		Version: "1.0",
		Session: domain.AlexaSession{
			SessionID:   "s1",
			Application: domain.Application{ApplicationID: "app"},
			User:        domain.User{UserID: "u1"},
		},
		Request: domain.RequestBody{
			Type:      domain.RequestIntent,
			RequestID: "r1",
			Timestamp: "2026-03-01T09:00:00Z",
			Intent:    &domain.Intent{Name: intent},
		},
	}
}

func TestBridgeWithoutAlexa(t *testing.T) {
	bridge, err := New(voiceapp.DictationConfig{}, echoSTT{}, nil, logging.Nop())
	require.NoError(t, err)

	_, err = bridge.HandleAlexaRequest(context.Background(), alexaRequest("HelloIntent"))
	assert.ErrorIs(t, err, domain.ErrAlexaNotConfigured)
	assert.ErrorIs(t, bridge.RegisterIntent("HelloIntent", nil), domain.ErrAlexaNotConfigured)
	assert.False(t, bridge.AlexaEnabled())

	transcript, err := bridge.Transcribe(context.Background(), voiceapp.DictationRequest{
		Audio: domain.Audio{Data: []byte("bom dia")},
	})
	require.NoError(t, err)
	assert.Equal(t, "bom dia", transcript.Text)
}

func TestBridgeWithAlexa(t *testing.T) {
	bridge, err := New(voiceapp.DictationConfig{}, echoSTT{}, nil, logging.Nop(),
		WithAlexa(voiceapp.NewIntentRouter(logging.Nop())))
	require.NoError(t, err)
	require.NoError(t, bridge.RegisterIntent("HelloIntent", func(context.Context, domain.AlexaRequest) (domain.AlexaResponse, error) {
		return domain.Speak("hello"), nil
	}))

	resp, err := bridge.HandleAlexaRequest(context.Background(), alexaRequest("HelloIntent"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Response.OutputSpeech.Text)

	_, err = bridge.HandleAlexaRequest(context.Background(), alexaRequest("Other"))
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestBridgeRecordsDictation(t *testing.T) {
	store, err := esapp.NewStore(memory.NewBackend(), logging.Nop())
	require.NoError(t, err)
	bridge, err := New(voiceapp.DictationConfig{Tenant: "acme"}, echoSTT{}, store, logging.Nop())
	require.NoError(t, err)

	_, err = bridge.Transcribe(context.Background(), voiceapp.DictationRequest{Audio: domain.Audio{Data: []byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Buffered())
}

func TestBridgeCloseCancelsSessions(t *testing.T) {
	bridge, err := New(voiceapp.DictationConfig{MinChunkBytes: 100}, echoSTT{}, nil, logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := bridge.Dictation().StartSession(ctx, voiceapp.SessionOptions{})
	require.NoError(t, err)
	_, err = bridge.Dictation().AppendChunk(ctx, id, []byte("abc"))
	require.NoError(t, err)

	require.NoError(t, bridge.Close(ctx))
	require.NoError(t, bridge.Close(ctx))
	assert.Equal(t, 0, bridge.Dictation().Sessions())

	_, err = bridge.Dictation().Finish(ctx, id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = bridge.Transcribe(ctx, voiceapp.DictationRequest{Audio: domain.Audio{Data: []byte("x")}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsNilDependencies(t *testing.T) {
	_, err := New(voiceapp.DictationConfig{}, nil, nil, logging.Nop())
	assert.Error(t, err)
	_, err = New(voiceapp.DictationConfig{}, echoSTT{}, nil, logging.Nop(), WithAlexa(nil))
	assert.Error(t, err)
}
