package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Layer classifies events by pipeline stage. Any non-negative value is valid.
type Layer int

const (
	LayerIngestion   Layer = 1
	LayerDomain      Layer = 2
	LayerIntegration Layer = 3
	LayerAI          Layer = 4
)

// String returns the layer name, or its number for unnamed layers.
func (l Layer) String() string {
	switch l {
	case LayerIngestion:
		return "ingestion"
	case LayerDomain:
		return "domain"
	case LayerIntegration:
		return "integration"
	case LayerAI:
		return "ai"
	default:
		return strconv.Itoa(int(l))
	}
}

// ParseLayer accepts a layer name or number.
func ParseLayer(value string) (Layer, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ingestion":
		return LayerIngestion, nil
	case "domain":
		return LayerDomain, nil
	case "integration":
		return LayerIntegration, nil
	case "ai":
		return LayerAI, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, &ValidationError{Field: "layer", Reason: "must be a name or non-negative integer"}
	}
	return Layer(n), nil
}

// Metadata is attached to every stored event.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	TenantID      string    `json:"tenantId,omitempty"`
}

// SystemEvent is an immutable entry of the event log.
type SystemEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Layer       Layer           `json:"layer"`
	Aggregate   string          `json:"aggregate"`
	AggregateID string          `json:"aggregateId"`
	Data        json.RawMessage `json:"data,omitempty"`
	Metadata    Metadata        `json:"metadata"`
}

// StreamKey returns the aggregate partition key.
func (e SystemEvent) StreamKey() string {
	return StreamKey(e.Aggregate, e.AggregateID)
}

// StreamKey joins aggregate and id.
func StreamKey(aggregate, aggregateID string) string {
	return aggregate + ":" + aggregateID
}

// NewEvent is the caller input for Append. Metadata fields left empty are
// filled from context.
type NewEvent struct {
	Type          string
	Layer         Layer
	Aggregate     string
	AggregateID   string
	Data          json.RawMessage
	CorrelationID string
	CausationID   string
	UserID        string
	TenantID      string
}

// Validate checks required fields.
func (e NewEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.Type) == "":
		return &ValidationError{Field: "type", Reason: "required"}
	case strings.TrimSpace(e.Aggregate) == "":
		return &ValidationError{Field: "aggregate", Reason: "required"}
	case strings.TrimSpace(e.AggregateID) == "":
		return &ValidationError{Field: "aggregateId", Reason: "required"}
	case e.Layer < 0:
		return &ValidationError{Field: "layer", Reason: "must be non-negative"}
	case len(e.Data) > 0 && !json.Valid(e.Data):
		return &ValidationError{Field: "data", Reason: "must be valid JSON"}
	}
	return nil
}

// Stats summarizes persisted and buffered events.
type Stats struct {
	Total          int64            `json:"total"`
	ByType         map[string]int64 `json:"byType"`
	ByLayer        map[Layer]int64  `json:"byLayer"`
	Buffered       int              `json:"buffered"`
	Flushes        int64            `json:"flushes"`
	FailedFlushes  int64            `json:"failedFlushes"`
	LastFlushAt    time.Time        `json:"lastFlushAt,omitempty"`
	LastFlushError string           `json:"lastFlushError,omitempty"`
}

// Counts is what a backend reports about persisted events.
type Counts struct {
	Total   int64
	ByType  map[string]int64
	ByLayer map[Layer]int64
}

// ErrStoreClosed is returned by Append after Shutdown.
var ErrStoreClosed = errors.New("eventstore: closed")
