package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/logging"
	voiceapp "magicsaas-pipeline/internal/voice/application"
	"magicsaas-pipeline/internal/voice/domain"
)

const (
	// TenantHeader carries the tenant of a transcription request.
	TenantHeader = "X-Tenant-ID"
	// UserHeader carries the user of a transcription request.
	UserHeader = "X-User-ID"

	defaultMaxBody = 25 << 20
)

// Service is the voice surface served over HTTP.
type Service interface {
	HandleAlexaRequest(ctx context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error)
	Transcribe(ctx context.Context, req voiceapp.DictationRequest) (domain.Transcript, error)
}

// Handler serves the Alexa webhook and the transcription endpoint.
type Handler struct {
	service Service
	maxBody int64
	logger  zerolog.Logger
}

// NewHandler constructs a handler. maxBody <= 0 uses a 25 MiB limit.
func NewHandler(service Service, maxBody int64, logger zerolog.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("voice handler: nil service")
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Handler{
		service: service,
		maxBody: maxBody,
		logger:  logger.With().Str("component", "voice_http").Logger(),
	}, nil
}

// Routes mounts POST /alexa and POST /v1/transcriptions.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/alexa", h.Alexa)
	r.Post("/v1/transcriptions", h.Transcribe)
}

// Alexa handles the skill webhook.
func (h *Handler) Alexa(w http.ResponseWriter, r *http.Request) {
	var req domain.AlexaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	resp, err := h.service.HandleAlexaRequest(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type transcriptionBody struct {
	Audio     string `json:"audio"`
	Format    string `json:"format"`
	Language  string `json:"language"`
	Domain    string `json:"domain"`
	Specialty string `json:"specialty"`
	Petala    string `json:"petala"`
}

// Transcribe accepts multipart (file field "file") or JSON with base64 audio.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var (
		req voiceapp.DictationRequest
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = h.parseMultipart(r)
	} else {
		req, err = parseJSON(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	req.TenantID = r.Header.Get(TenantHeader)
	req.UserID = r.Header.Get(UserHeader)

	transcript, err := h.service.Transcribe(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func (h *Handler) parseMultipart(r *http.Request) (voiceapp.DictationRequest, error) {
	if err := r.ParseMultipartForm(h.maxBody); err != nil {
		return voiceapp.DictationRequest{}, errors.New("invalid multipart body")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return voiceapp.DictationRequest{}, errors.New("file is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return voiceapp.DictationRequest{}, errors.New("read file failed")
	}

	formatHint := r.FormValue("format")
	if formatHint == "" {
		formatHint = header.Header.Get("Content-Type")
	}
	if formatHint == "" || formatHint == "application/octet-stream" {
		if i := strings.LastIndexByte(header.Filename, '.'); i >= 0 {
			formatHint = header.Filename[i:]
		}
	}
	format, err := domain.ParseAudioFormat(formatHint)
	if err != nil {
		return voiceapp.DictationRequest{}, err
	}
	hint, err := parseHint(r.FormValue("domain"), r.FormValue("specialty"))
	if err != nil {
		return voiceapp.DictationRequest{}, err
	}
	return voiceapp.DictationRequest{
		Audio:    domain.Audio{Data: data, Format: format},
		Hint:     hint,
		Language: r.FormValue("language"),
		Petala:   r.FormValue("petala"),
	}, nil
}

func parseJSON(r *http.Request) (voiceapp.DictationRequest, error) {
	var body transcriptionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return voiceapp.DictationRequest{}, errors.New("invalid json body")
	}
	if body.Format == "" {
		body.Format = string(domain.FormatWAV)
	}
	format, err := domain.ParseAudioFormat(body.Format)
	if err != nil {
		return voiceapp.DictationRequest{}, err
	}
	audio, err := domain.DecodeBase64(body.Audio, format)
	if err != nil {
		return voiceapp.DictationRequest{}, err
	}
	hint, err := parseHint(body.Domain, body.Specialty)
	if err != nil {
		return voiceapp.DictationRequest{}, err
	}
	return voiceapp.DictationRequest{
		Audio:    audio,
		Hint:     hint,
		Language: body.Language,
		Petala:   body.Petala,
	}, nil
}

func parseHint(value, specialty string) (domain.DomainHint, error) {
	switch domain.Domain(strings.ToLower(strings.TrimSpace(value))) {
	case "", domain.DomainGeneral:
		return domain.DomainHint{Domain: domain.DomainGeneral}, nil
	case domain.DomainMedical:
		return domain.DomainHint{Domain: domain.DomainMedical, Specialty: specialty}, nil
	}
	return domain.DomainHint{}, errors.New("domain must be general or medical")
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid  *domain.InvalidEnvelopeError
		notFound *domain.IntentNotFoundError
		stt      *domain.TranscriptionError
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "invalid envelope", invalid.Fields)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, domain.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, domain.ErrAlexaNotConfigured), errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrTranscriptionDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream timeout", nil)
	case errors.As(err, &stt):
		writeError(w, http.StatusBadGateway, stt.Message, nil)
	default:
		logging.Ctx(r.Context(), h.logger).Error().Err(err).Str("path", r.URL.Path).Msg("voice request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, fields []string) {
	writeJSON(w, status, errorBody{Error: message, Fields: fields})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
