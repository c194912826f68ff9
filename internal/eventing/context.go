package eventing

import (
	"context"

	"magicsaas-pipeline/internal/logging"
)

type contextKey string

const (
	contextKeyTenant    contextKey = "eventing.tenant_id"
	contextKeyCorr      contextKey = "eventing.correlation_id"
	contextKeyCausation contextKey = "eventing.causation_id"
	contextKeyUser      contextKey = "eventing.user_id"
	contextKeyEventID   contextKey = "eventing.event_id"
)

// Meta carries event metadata resolved from context.
type Meta struct {
	TenantID      string
	CorrelationID string
	CausationID   string
	UserID        string
	EventID       string
}

// WithTenantID sets tenant id in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKeyTenant, tenantID)
}

// WithCorrelationID sets correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithCausationID sets the id of the event that caused the next append.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, contextKeyCausation, causationID)
}

// WithUserID sets user id in context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUser, userID)
}

// WithEventID marks the event currently being delivered.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// EventIDFromContext returns the event id set by WithEventID.
func EventIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeyEventID).(string)
	return id, ok && id != ""
}

// MetaFromContext builds metadata from context with defaults.
func MetaFromContext(ctx context.Context, defaultTenantID string) Meta {
	meta := Meta{}
	if ctx == nil {
		meta.TenantID = defaultTenantID
		return meta
	}
	if value, ok := ctx.Value(contextKeyTenant).(string); ok {
		meta.TenantID = value
	}
	if meta.TenantID == "" {
		meta.TenantID = defaultTenantID
	}
	if value, ok := ctx.Value(contextKeyCorr).(string); ok {
		meta.CorrelationID = value
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = logging.CorrelationID(ctx)
	}
	if value, ok := ctx.Value(contextKeyCausation).(string); ok {
		meta.CausationID = value
	}
	if value, ok := ctx.Value(contextKeyUser).(string); ok {
		meta.UserID = value
	}
	if value, ok := ctx.Value(contextKeyEventID).(string); ok {
		meta.EventID = value
	}
	return meta
}
