package whisper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicsaas-pipeline/internal/voice/domain"
)

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:           url,
		APIKey:            "sk-test",
		AttemptTimeout:    time.Second,
		MaxElapsed:        5 * time.Second,
		MaxRetries:        2,
		BreakerFailures:   5,
		BreakerOpenPeriod: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, zerolog.Nop(), WithInitialBackoff(time.Millisecond))
	require.NoError(t, err)
	return client
}

func sampleRequest() domain.TranscriptionRequest {
	return domain.TranscriptionRequest{
		Audio:    domain.Audio{Data: []byte("RIFF....WAVEfmt "), Format: domain.FormatWAV},
		Language: "pt",
	}
}

func TestTranscribeSendsMultipartForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "pt", r.FormValue("language"))
		assert.Equal(t, "json", r.FormValue("response_format"))
		assert.Contains(t, r.FormValue("prompt"), "Specialty: cardiology")
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "audio.wav", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  paciente estável  ","duration":1.5}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/v1/", nil)
	req := sampleRequest()
	req.Hint = domain.DomainHint{Domain: domain.DomainMedical, Specialty: "cardiology"}

	transcript, err := client.Transcribe(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "paciente estável", transcript.Text)
	assert.Equal(t, "pt", transcript.Language)
	assert.Equal(t, 1500*time.Millisecond, transcript.Duration)
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	transcript, err := client.Transcribe(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", transcript.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad audio"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Transcribe(context.Background(), sampleRequest())
	require.Error(t, err)

	var terr *domain.TranscriptionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, http.StatusBadRequest, terr.StatusCode)
	assert.Equal(t, "bad audio", terr.Message)
	assert.False(t, terr.Retryable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranscribeGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Transcribe(context.Background(), sampleRequest())

	var terr *domain.TranscriptionError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Retryable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.BreakerFailures = 2
	})

	for i := 0; i < 2; i++ {
		_, err := client.Transcribe(context.Background(), sampleRequest())
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrCircuitOpen))
	}

	_, err := client.Transcribe(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.BreakerFailures = 1
	})
	for i := 0; i < 3; i++ {
		_, err := client.Transcribe(context.Background(), sampleRequest())
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrCircuitOpen))
	}
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", nil)
	_, err := client.Transcribe(context.Background(), domain.TranscriptionRequest{})
	assert.ErrorIs(t, err, domain.ErrEmptyAudio)
}

func TestPrompt(t *testing.T) {
	assert.Empty(t, Prompt(domain.DomainHint{Domain: domain.DomainGeneral}))
	assert.NotContains(t, Prompt(domain.DomainHint{Domain: domain.DomainMedical}), "Specialty")
	assert.Contains(t, Prompt(domain.DomainHint{Domain: domain.DomainMedical, Specialty: "oncology"}), "Specialty: oncology.")
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, zerolog.Nop())
	assert.Error(t, err)
}
