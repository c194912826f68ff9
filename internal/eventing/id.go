package eventing

import "github.com/google/uuid"

// NewEventID generates a time-sortable event identifier (UUIDv7).
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
