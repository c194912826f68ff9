package mqtt

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"magicsaas-pipeline/internal/occupancy/domain"
)

var validate = validator.New()

// occupancyPayload is the wire shape on <ns>/<tenant>/<room>/occupancy.
type occupancyPayload struct {
	Occupancy *float64 `json:"occupancy" validate:"omitempty,gte=0"`
	Delta     *float64 `json:"delta" validate:"omitempty,ne=0"`
	Timestamp string   `json:"timestamp" validate:"required"`
	SensorID  string   `json:"sensor_id" validate:"required"`
}

// ParseError describes a rejected message.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mqtt: %s: %v", e.Reason, e.Err)
	}
	return "mqtt: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseTopic extracts tenant and room from <ns>/<tenant>/<room>/occupancy.
func ParseTopic(namespace, topic string) (tenantID, roomID string, err error) {
	parts := strings.Split(topic, "/")
	nsParts := strings.Split(namespace, "/")
	if len(parts) != len(nsParts)+3 || parts[len(parts)-1] != "occupancy" {
		return "", "", &ParseError{Reason: "topic", Err: fmt.Errorf("unexpected topic %q", topic)}
	}
	for i, part := range nsParts {
		if parts[i] != part {
			return "", "", &ParseError{Reason: "topic", Err: fmt.Errorf("topic %q outside namespace %q", topic, namespace)}
		}
	}
	tenantID, roomID = parts[len(nsParts)], parts[len(nsParts)+1]
	if tenantID == "" || roomID == "" {
		return "", "", &ParseError{Reason: "topic", Err: errors.New("empty tenant or room")}
	}
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return "", "", &ParseError{Reason: "topic", Err: err}
	}
	return tenantID, roomID, nil
}

// ParsePayload converts a raw message into a canonical SensorEvent.
func ParsePayload(tenantID, roomID string, raw []byte) (domain.SensorEvent, error) {
	var payload occupancyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.SensorEvent{}, &ParseError{Reason: "json", Err: err}
	}
	if err := validate.Struct(payload); err != nil {
		return domain.SensorEvent{}, &ParseError{Reason: "validation", Err: err}
	}
	observedAt, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	if err != nil {
		return domain.SensorEvent{}, &ParseError{Reason: "timestamp", Err: err}
	}

	var reading domain.Reading
	switch {
	case payload.Delta != nil:
		n, err := integral(*payload.Delta)
		if err != nil {
			return domain.SensorEvent{}, err
		}
		reading = domain.Delta(n)
	case payload.Occupancy != nil:
		n, err := integral(*payload.Occupancy)
		if err != nil {
			return domain.SensorEvent{}, err
		}
		reading = domain.Absolute(n)
	default:
		return domain.SensorEvent{}, &ParseError{Reason: "validation", Err: errors.New("occupancy or delta required")}
	}

	event := domain.SensorEvent{
		TenantID:   tenantID,
		RoomID:     roomID,
		SensorID:   payload.SensorID,
		Reading:    reading,
		ObservedAt: observedAt.UTC(),
	}
	if err := event.Validate(); err != nil {
		return domain.SensorEvent{}, &ParseError{Reason: "validation", Err: err}
	}
	return event, nil
}

func integral(value float64) (int, error) {
	if value != math.Trunc(value) || math.IsInf(value, 0) || math.Abs(value) > math.MaxInt32 {
		return 0, &ParseError{Reason: "validation", Err: fmt.Errorf("count %v is not an integer", value)}
	}
	return int(value), nil
}
