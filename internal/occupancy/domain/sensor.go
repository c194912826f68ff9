package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReadingKind tags a sensor reading.
type ReadingKind string

const (
	ReadingAbsolute ReadingKind = "absolute"
	ReadingDelta    ReadingKind = "delta"
)

// Reading is either an absolute head count or a signed delta.
type Reading struct {
	Kind  ReadingKind `json:"kind"`
	Value int         `json:"value"`
}

// Absolute returns a head-count reading.
func Absolute(count int) Reading {
	return Reading{Kind: ReadingAbsolute, Value: count}
}

// Delta returns a relative reading.
func Delta(delta int) Reading {
	return Reading{Kind: ReadingDelta, Value: delta}
}

// Enter is a +1 delta.
func Enter() Reading {
	return Delta(1)
}

// Leave is a -1 delta.
func Leave() Reading {
	return Delta(-1)
}

// Validate checks the reading shape.
func (r Reading) Validate() error {
	switch r.Kind {
	case ReadingAbsolute:
		if r.Value < 0 {
			return errors.New("occupancy: absolute reading must be >= 0")
		}
	case ReadingDelta:
		if r.Value == 0 {
			return errors.New("occupancy: delta reading must be non-zero")
		}
	default:
		return fmt.Errorf("occupancy: unknown reading kind %q", r.Kind)
	}
	return nil
}

// Apply returns the count after the reading, clamped at zero.
func (r Reading) Apply(current int) int {
	next := current
	switch r.Kind {
	case ReadingAbsolute:
		next = r.Value
	case ReadingDelta:
		next = current + r.Value
	}
	if next < 0 {
		return 0
	}
	return next
}

// SensorEvent is the canonical sensor reading, independent of transport.
type SensorEvent struct {
	TenantID   string    `json:"tenantId"`
	RoomID     string    `json:"roomId"`
	SensorID   string    `json:"sensorId"`
	Reading    Reading   `json:"reading"`
	ObservedAt time.Time `json:"observedAt"`
}

// Validate checks required fields.
func (e SensorEvent) Validate() error {
	if err := ValidateTenantID(e.TenantID); err != nil {
		return err
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return errors.New("occupancy: room id required")
	}
	return e.Reading.Validate()
}

// ErrInvalidTenantID is returned for tenant ids that are empty or contain
// the room key separator.
var ErrInvalidTenantID = errors.New("occupancy: invalid tenant id")

// ValidateTenantID rejects empty ids and ids containing ':'.
func ValidateTenantID(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if strings.Contains(tenantID, keySeparator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidTenantID, tenantID, keySeparator)
	}
	return nil
}

const keySeparator = ":"

// RoomKey identifies a room across tenants. Tenant ids never contain the
// separator, so the key splits back at its first ':'.
func RoomKey(tenantID, roomID string) string {
	return tenantID + keySeparator + roomID
}
