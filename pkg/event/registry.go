package event

import (
	"fmt"
	"sync"

	"github.com/statorio/stator/pkg/core"
)

// PayloadFactory builds a zero value of the payload type registered for an
// event type, ready to be decoded into.
type PayloadFactory func() interface{}

// TypeRegistry maps wire-level event type names to payload types so that
// producers and consumers agree on the payload class for each name. It is
// an explicit structure constructed by the application root, not a hidden
// global.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]PayloadFactory
}

// NewTypeRegistry creates a registry with the synthetic timeout type
// pre-registered.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		types: make(map[string]PayloadFactory),
	}
	r.types[TimeoutType] = func() interface{} { return nil }
	return r
}

// Register binds an event type name to a payload factory. Registering the
// same name twice is a configuration error.
func (r *TypeRegistry) Register(name string, factory PayloadFactory) error {
	if name == "" {
		return fmt.Errorf("event type name is required")
	}
	if factory == nil {
		return fmt.Errorf("payload factory is required for event type %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return fmt.Errorf("event type %q already registered", name)
	}
	r.types[name] = factory
	return nil
}

// Known reports whether an event type name is registered.
func (r *TypeRegistry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Names returns all registered event type names.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// Decode builds an event of the named type from a JSON payload. The
// payload is decoded into the registered payload type.
func (r *TypeRegistry) Decode(name string, data []byte) (Event, error) {
	r.mu.RLock()
	factory, ok := r.types[name]
	r.mu.RUnlock()

	if !ok {
		return Event{}, fmt.Errorf("unknown event type %q", name)
	}

	e := New(name, nil)
	if len(data) == 0 {
		return e, nil
	}

	payload := factory()
	if payload == nil {
		return e, nil
	}
	if err := core.JSONDecode(data, payload); err != nil {
		return Event{}, fmt.Errorf("decode payload for %q: %w", name, err)
	}
	e.Payload = payload
	return e, nil
}
