package domain

import (
	"fmt"
	"time"
)

// Direction is the direction of the last count change.
type Direction string

const (
	DirectionEntered   Direction = "entered"
	DirectionLeft      Direction = "left"
	DirectionUnchanged Direction = "unchanged"
)

// DirectionOf compares two counts.
func DirectionOf(previous, current int) Direction {
	switch {
	case current > previous:
		return DirectionEntered
	case current < previous:
		return DirectionLeft
	default:
		return DirectionUnchanged
	}
}

// Mode selects how the count is compared with the threshold.
type Mode string

const (
	// ModeGTE is over when count >= threshold.
	ModeGTE Mode = "gte"
	// ModeGT is over when count > threshold.
	ModeGT Mode = "gt"
)

// ParseMode accepts gte, gt or empty (gte).
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case "", ModeGTE:
		return ModeGTE, nil
	case ModeGT:
		return ModeGT, nil
	default:
		return "", fmt.Errorf("occupancy: unknown threshold mode %q", value)
	}
}

// Threshold decides over/under transitions with a hysteresis band.
type Threshold struct {
	Value      int
	Mode       Mode
	Hysteresis int
}

// Enters reports whether count puts an under room over.
func (t Threshold) Enters(count int) bool {
	if t.Mode == ModeGT {
		return count > t.Value
	}
	return count >= t.Value
}

// Leaves reports whether count puts an over room back under.
func (t Threshold) Leaves(count int) bool {
	if t.Mode == ModeGT {
		return count <= t.Value-t.Hysteresis
	}
	return count < t.Value-t.Hysteresis
}

// Next returns the over state after count given the current state.
func (t Threshold) Next(over bool, count int) bool {
	if over {
		return !t.Leaves(count)
	}
	return t.Enters(count)
}

// OccupancyEvent is the derived room state after one sensor event.
type OccupancyEvent struct {
	TenantID         string    `json:"tenantId"`
	RoomID           string    `json:"roomId"`
	Count            int       `json:"count"`
	Previous         int       `json:"previous"`
	Direction        Direction `json:"direction"`
	ThresholdCrossed bool      `json:"thresholdCrossed"`
	Over             bool      `json:"over"`
	Threshold        int       `json:"threshold"`
	SensorID         string    `json:"sensorId,omitempty"`
	ObservedAt       time.Time `json:"observedAt"`
}

// RoomState is a snapshot of one room.
type RoomState struct {
	TenantID  string    `json:"tenantId"`
	RoomID    string    `json:"roomId"`
	Count     int       `json:"count"`
	Over      bool      `json:"over"`
	Threshold int       `json:"threshold"`
	UpdatedAt time.Time `json:"updatedAt"`
}
