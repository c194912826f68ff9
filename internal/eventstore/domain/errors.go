package domain

import "fmt"

// ValidationError reports a rejected event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("eventstore: invalid event: %s %s", e.Field, e.Reason)
}

// ReplayError reports the event at which replay stopped.
type ReplayError struct {
	Aggregate   string
	AggregateID string
	Offset      int
	EventID     string
	Err         error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("eventstore: replay %s:%s stopped at offset %d (event %s): %v",
		e.Aggregate, e.AggregateID, e.Offset, e.EventID, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}
