package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"magicsaas-pipeline/internal/observability/metrics"
	"magicsaas-pipeline/internal/voice/domain"
)

const (
	breakerName        = "whisper"
	defaultModel       = "whisper-1"
	maxErrorBodyBytes  = 4 << 10
	defaultInitialWait = 500 * time.Millisecond
)

// Config configures the transcription client.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Language          string
	AttemptTimeout    time.Duration
	MaxElapsed        time.Duration
	MaxRetries        uint64
	BreakerFailures   uint32
	BreakerOpenPeriod time.Duration
}

// Client calls an OpenAI-compatible /audio/transcriptions endpoint.
type Client struct {
	cfg         Config
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker[domain.Transcript]
	initialWait time.Duration
	logger      zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.http = c
		}
	}
}

// WithInitialBackoff overrides the first retry wait.
func WithInitialBackoff(d time.Duration) Option {
	return func(client *Client) {
		if d > 0 {
			client.initialWait = d
		}
	}
}

// NewClient constructs a transcription client.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("whisper: base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenPeriod <= 0 {
		cfg.BreakerOpenPeriod = 30 * time.Second
	}

	client := &Client{
		cfg:         cfg,
		http:        &http.Client{},
		initialWait: defaultInitialWait,
		logger:      logger.With().Str("component", "whisper").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	metrics.SetBreakerState(breakerName, stateValue(gobreaker.StateClosed))
	client.breaker = gobreaker.NewCircuitBreaker[domain.Transcript](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			client.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("transcription breaker state changed")
			metrics.SetBreakerState(name, stateValue(to))
		},
	})
	return client, nil
}

// Transcribe sends audio for transcription, retrying transient failures.
func (c *Client) Transcribe(ctx context.Context, req domain.TranscriptionRequest) (domain.Transcript, error) {
	if len(req.Audio.Data) == 0 {
		return domain.Transcript{}, domain.ErrEmptyAudio
	}
	hint := req.Hint.Domain
	if hint == "" {
		hint = domain.DomainGeneral
	}
	body, contentType, err := c.encode(req)
	if err != nil {
		return domain.Transcript{}, err
	}

	start := time.Now()
	transcript, err := c.breaker.Execute(func() (domain.Transcript, error) {
		return c.retry(ctx, body, contentType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ObserveTranscription(string(hint), metrics.ResultRejected, time.Since(start))
			return domain.Transcript{}, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
		}
		metrics.ObserveTranscription(string(hint), metrics.ResultError, time.Since(start))
		return domain.Transcript{}, err
	}
	metrics.ObserveTranscription(string(hint), metrics.ResultSuccess, time.Since(start))
	if transcript.Language == "" {
		transcript.Language = req.Language
	}
	return transcript, nil
}

func (c *Client) retry(ctx context.Context, body []byte, contentType string) (domain.Transcript, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialWait
	policy.MaxElapsedTime = c.cfg.MaxElapsed

	var (
		result  domain.Transcript
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		transcript, err := c.attempt(ctx, body, contentType)
		if err == nil {
			result = transcript
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var terr *domain.TranscriptionError
		if errors.As(err, &terr) && !terr.Retryable {
			return backoff.Permanent(err)
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("transcription attempt failed")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx))
	return result, err
}

func (c *Client) attempt(ctx context.Context, body []byte, contentType string) (domain.Transcript, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", bytes.NewReader(body))
	if err != nil {
		return domain.Transcript{}, &domain.TranscriptionError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transcript{}, &domain.TranscriptionError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return domain.Transcript{}, &domain.TranscriptionError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.Status),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var payload struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Transcript{}, &domain.TranscriptionError{
			StatusCode: resp.StatusCode,
			Message:    "decode response: " + err.Error(),
			Retryable:  true,
		}
	}
	return domain.Transcript{
		Text:     strings.TrimSpace(payload.Text),
		Language: payload.Language,
		Duration: time.Duration(payload.Duration * float64(time.Second)),
	}, nil
}

func (c *Client) encode(req domain.TranscriptionRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", req.Audio.Filename())
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Audio.Data); err != nil {
		return nil, "", err
	}

	language := req.Language
	if language == "" {
		language = c.cfg.Language
	}
	fields := [][2]string{
		{"model", c.cfg.Model},
		{"response_format", "json"},
	}
	if language != "" {
		fields = append(fields, [2]string{"language", language})
	}
	if prompt := Prompt(req.Hint); prompt != "" {
		fields = append(fields, [2]string{"prompt", prompt})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Prompt returns the vocabulary prompt for a domain hint.
func Prompt(hint domain.DomainHint) string {
	if hint.Domain != domain.DomainMedical {
		return ""
	}
	prompt := "Medical dictation. Use precise clinical terminology, drug names and dosages."
	if s := strings.TrimSpace(hint.Specialty); s != "" {
		prompt += " Specialty: " + s + "."
	}
	return prompt
}

// countsAsSuccess keeps caller errors and cancellations from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var terr *domain.TranscriptionError
	if errors.As(err, &terr) && !terr.Retryable && terr.StatusCode >= 400 && terr.StatusCode < 500 {
		return true
	}
	return false
}

func errorMessage(raw []byte, fallback string) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return fallback
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
