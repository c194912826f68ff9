package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadingApply_ClampsAtZero(t *testing.T) {
	assert.Equal(t, 0, Leave().Apply(0))
	assert.Equal(t, 0, Delta(-5).Apply(2))
	assert.Equal(t, 3, Enter().Apply(2))
	assert.Equal(t, 7, Absolute(7).Apply(2))
}

func TestReadingValidate(t *testing.T) {
	assert.NoError(t, Absolute(0).Validate())
	assert.Error(t, Absolute(-1).Validate())
	assert.Error(t, Delta(0).Validate())
	assert.Error(t, Reading{Kind: "bogus", Value: 1}.Validate())
}

func TestSensorEventRejectsSeparatorInTenant(t *testing.T) {
	event := SensorEvent{TenantID: "a:b", RoomID: "c", Reading: Enter()}
	err := event.Validate()
	assert.ErrorIs(t, err, ErrInvalidTenantID)

	event = SensorEvent{TenantID: "a", RoomID: "b:c", Reading: Enter()}
	assert.NoError(t, event.Validate())
	assert.Equal(t, "a:b:c", RoomKey(event.TenantID, event.RoomID))

	assert.ErrorIs(t, ValidateTenantID(" "), ErrInvalidTenantID)
	assert.NoError(t, ValidateTenantID("acme"))
}

func TestThreshold_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		threshold Threshold
		over      bool
		count     int
		want      bool
	}{
		{name: "gte enters at threshold", threshold: Threshold{Value: 2, Mode: ModeGTE}, count: 2, want: true},
		{name: "gte stays under below", threshold: Threshold{Value: 2, Mode: ModeGTE}, count: 1, want: false},
		{name: "gt needs strictly above", threshold: Threshold{Value: 2, Mode: ModeGT}, count: 2, want: false},
		{name: "gt enters above", threshold: Threshold{Value: 2, Mode: ModeGT}, count: 3, want: true},
		{name: "gte leaves below without hysteresis", threshold: Threshold{Value: 2, Mode: ModeGTE}, over: true, count: 1, want: false},
		{name: "gte hysteresis holds", threshold: Threshold{Value: 2, Mode: ModeGTE, Hysteresis: 1}, over: true, count: 1, want: true},
		{name: "gte hysteresis releases", threshold: Threshold{Value: 2, Mode: ModeGTE, Hysteresis: 1}, over: true, count: 0, want: false},
		{name: "gt leaves at threshold", threshold: Threshold{Value: 2, Mode: ModeGT}, over: true, count: 2, want: false},
		{name: "gt hysteresis holds", threshold: Threshold{Value: 2, Mode: ModeGT, Hysteresis: 1}, over: true, count: 2, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.threshold.Next(tt.over, tt.count))
		})
	}
}

func TestDirectionOf(t *testing.T) {
	assert.Equal(t, DirectionEntered, DirectionOf(1, 2))
	assert.Equal(t, DirectionLeft, DirectionOf(2, 1))
	assert.Equal(t, DirectionUnchanged, DirectionOf(2, 2))
}
