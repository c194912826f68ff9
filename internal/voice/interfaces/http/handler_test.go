package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicsaas-pipeline/internal/logging"
	voiceapp "magicsaas-pipeline/internal/voice/application"
	"magicsaas-pipeline/internal/voice/domain"
)

type fakeService struct {
	alexaErr      error
	transcribeErr error
	lastAlexa     domain.AlexaRequest
	lastDictation voiceapp.DictationRequest
}

func (f *fakeService) HandleAlexaRequest(_ context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error) {
	f.lastAlexa = req
	if f.alexaErr != nil {
		return domain.AlexaResponse{}, f.alexaErr
	}
	return domain.Speak("ok"), nil
}

func (f *fakeService) Transcribe(_ context.Context, req voiceapp.DictationRequest) (domain.Transcript, error) {
	f.lastDictation = req
	if f.transcribeErr != nil {
		return domain.Transcript{}, f.transcribeErr
	}
	return domain.Transcript{Text: "hello world", Language: "en"}, nil
}

func newRouter(t *testing.T, svc Service) http.Handler {
	t.Helper()
	h, err := NewHandler(svc, 0, logging.Nop())
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestAlexaEndpoint(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(t, svc)

	body := `{"version":"1.0","session":{"sessionId":"s1","application":{"applicationId":"a1"},"user":{"userId":"u1"}},
"request":{"type":"IntentRequest","requestId":"r1","timestamp":"2026-03-01T09:00:00Z",
"intent":{"name":"RoomOccupancyIntent","slots":{"room":{"name":"room","value":"lab"}}}}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alexa", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.AlexaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Response.OutputSpeech.Text)
	assert.Equal(t, "lab", svc.lastAlexa.Request.Intent.SlotValue("room"))
}

func TestAlexaEndpointErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "invalid", err: &domain.InvalidEnvelopeError{Fields: []string{"version"}}, status: http.StatusBadRequest},
		{name: "not found", err: &domain.IntentNotFoundError{Name: "X"}, status: http.StatusNotFound},
		{name: "not configured", err: domain.ErrAlexaNotConfigured, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(t, &fakeService{alexaErr: tc.err})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alexa", bytes.NewBufferString(`{}`)))
			assert.Equal(t, tc.status, rec.Code)
		})
	}

	router := newRouter(t, &fakeService{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alexa", bytes.NewBufferString(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscribeJSON(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(t, svc)

	payload, err := json.Marshal(map[string]string{
		"audio":     base64.StdEncoding.EncodeToString([]byte("pcm")),
		"format":    "ogg",
		"language":  "pt",
		"domain":    "medical",
		"specialty": "cardiology",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, "acme")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello world")
	assert.Equal(t, "acme", svc.lastDictation.TenantID)
	assert.Equal(t, domain.FormatOGG, svc.lastDictation.Audio.Format)
	assert.Equal(t, []byte("pcm"), svc.lastDictation.Audio.Data)
	assert.Equal(t, domain.DomainHint{Domain: domain.DomainMedical, Specialty: "cardiology"}, svc.lastDictation.Hint)
}

func TestTranscribeMultipart(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(t, svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "note.webm")
	require.NoError(t, err)
	_, err = part.Write([]byte("webm-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("language", "en"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.FormatWEBM, svc.lastDictation.Audio.Format)
	assert.Equal(t, "en", svc.lastDictation.Language)
	assert.Equal(t, domain.DomainGeneral, svc.lastDictation.Hint.Domain)
}

func TestTranscribeErrors(t *testing.T) {
	router := newRouter(t, &fakeService{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transcriptions", bytes.NewBufferString(`{"audio":"!!"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cases := []struct {
		err    error
		status int
	}{
		{err: domain.ErrCircuitOpen, status: http.StatusServiceUnavailable},
		{err: &domain.TranscriptionError{StatusCode: 500, Message: "boom"}, status: http.StatusBadGateway},
		{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
	}
	valid := `{"audio":"` + base64.StdEncoding.EncodeToString([]byte("x")) + `"}`
	for _, tc := range cases {
		router := newRouter(t, &fakeService{transcribeErr: tc.err})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transcriptions", bytes.NewBufferString(valid)))
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}
