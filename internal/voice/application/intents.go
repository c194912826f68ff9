package application

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/observability/metrics"
	"magicsaas-pipeline/internal/voice/domain"
)

// IntentHandler answers one Alexa request.
type IntentHandler func(ctx context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error)

var envelopeValidator = newEnvelopeValidator()

func newEnvelopeValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// IntentRouter dispatches Alexa requests to registered intent handlers.
type IntentRouter struct {
	applicationID string
	skillName     string
	launch        IntentHandler
	logger        zerolog.Logger

	mu      sync.RWMutex
	intents map[string]IntentHandler
}

// RouterOption configures the router.
type RouterOption func(*IntentRouter)

// WithApplicationID rejects envelopes addressed to another skill.
func WithApplicationID(id string) RouterOption {
	return func(r *IntentRouter) {
		r.applicationID = strings.TrimSpace(id)
	}
}

// WithSkillName sets the name used in the default greeting.
func WithSkillName(name string) RouterOption {
	return func(r *IntentRouter) {
		if name != "" {
			r.skillName = name
		}
	}
}

// WithLaunchHandler replaces the default LaunchRequest greeting.
func WithLaunchHandler(h IntentHandler) RouterOption {
	return func(r *IntentRouter) {
		r.launch = h
	}
}

// NewIntentRouter constructs a router with no intents.
func NewIntentRouter(logger zerolog.Logger, opts ...RouterOption) *IntentRouter {
	r := &IntentRouter{
		skillName: "MagicSaaS",
		logger:    logger.With().Str("component", "alexa").Logger(),
		intents:   make(map[string]IntentHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterIntent adds or replaces the handler for an intent name.
func (r *IntentRouter) RegisterIntent(name string, handler IntentHandler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("alexa: intent name is required")
	}
	if handler == nil {
		return errors.New("alexa: intent handler is required")
	}
	r.mu.Lock()
	r.intents[name] = handler
	r.mu.Unlock()
	return nil
}

// Intents returns the registered intent names.
func (r *IntentRouter) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.intents))
	for name := range r.intents {
		names = append(names, name)
	}
	return names
}

// HandleRequest validates the envelope and dispatches it.
func (r *IntentRouter) HandleRequest(ctx context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error) {
	requestType := req.Request.Type
	if err := r.validate(req); err != nil {
		metrics.IncAlexaRequest(requestType, metrics.ResultRejected)
		r.logger.Warn().Err(err).Str("request_type", requestType).Msg("alexa envelope rejected")
		return domain.AlexaResponse{}, err
	}

	resp, err := r.dispatch(ctx, req)
	if err != nil {
		metrics.IncAlexaRequest(requestType, metrics.ResultError)
		r.logger.Warn().Err(err).
			Str("request_type", requestType).
			Str("request_id", req.Request.RequestID).
			Msg("alexa request failed")
		return domain.AlexaResponse{}, err
	}
	metrics.IncAlexaRequest(requestType, metrics.ResultSuccess)
	if resp.Version == "" {
		resp.Version = "1.0"
	}
	return resp, nil
}

func (r *IntentRouter) dispatch(ctx context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error) {
	switch req.Request.Type {
	case domain.RequestLaunch:
		if r.launch != nil {
			return r.launch(ctx, req)
		}
		return domain.Ask(
			fmt.Sprintf("Welcome to %s. Ask me how many people are in a room.", r.skillName),
			"Which room would you like to check?",
		), nil
	case domain.RequestSessionEnded:
		r.logger.Debug().Str("reason", req.Request.Reason).Str("session_id", req.Session.SessionID).Msg("alexa session ended")
		return domain.Empty(), nil
	case domain.RequestIntent:
		name := req.Request.Intent.Name
		r.mu.RLock()
		handler, ok := r.intents[name]
		if !ok {
			handler, ok = r.intents[domain.FallbackIntent]
		}
		r.mu.RUnlock()
		if !ok {
			return domain.AlexaResponse{}, &domain.IntentNotFoundError{Name: name}
		}
		return handler(ctx, req)
	}
	return domain.AlexaResponse{}, &domain.InvalidEnvelopeError{Fields: []string{"request.type"}}
}

func (r *IntentRouter) validate(req domain.AlexaRequest) error {
	var fields []string
	if err := envelopeValidator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			fields = append(fields, trimRoot(fe.Namespace()))
		}
	}
	if req.Request.Type == domain.RequestIntent && req.Request.Intent == nil {
		fields = append(fields, "request.intent")
	}
	if r.applicationID != "" && req.Session.Application.ApplicationID != "" &&
		req.Session.Application.ApplicationID != r.applicationID {
		fields = append(fields, "session.application.applicationId")
	}
	if len(fields) > 0 {
		return &domain.InvalidEnvelopeError{Fields: fields}
	}
	return nil
}

func trimRoot(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
