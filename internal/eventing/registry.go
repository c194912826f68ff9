package eventing

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"magicsaas-pipeline/internal/eventstore/domain"
)

// ErrUnknownEventType is returned when no payload type is registered.
var ErrUnknownEventType = errors.New("eventing: unknown event type")

// Registry maps event type tags to the Go types of their payloads.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register binds eventType to the type of sample. Pointers are unwrapped,
// so Register("x", T{}) and Register("x", &T{}) are equivalent.
func (r *Registry) Register(eventType string, sample any) {
	if r == nil || sample == nil || eventType == "" {
		return
	}
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.Lock()
	r.types[eventType] = t
	r.mu.Unlock()
}

// Types lists the registered tags in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Decode returns the event's payload as a value of its registered type.
// Empty data decodes to the zero value.
func (r *Registry) Decode(event domain.SystemEvent) (any, error) {
	if r == nil {
		return nil, errors.New("eventing: nil registry")
	}
	r.mu.RLock()
	t, ok := r.types[event.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, event.Type)
	}
	ptr := reflect.New(t)
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("eventing: decode %s: %w", event.Type, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

// DecodeAs decodes event and asserts the payload is a T.
func DecodeAs[T any](r *Registry, event domain.SystemEvent) (T, error) {
	var zero T
	decoded, err := r.Decode(event)
	if err != nil {
		return zero, err
	}
	value, ok := decoded.(T)
	if !ok {
		return zero, fmt.Errorf("eventing: %s payload is %T, not %T", event.Type, decoded, zero)
	}
	return value, nil
}
