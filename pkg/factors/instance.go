package factors

import (
	"context"
	"fmt"
)

// InstanceState is the aggregate per-event record: one slice per factor,
// indexed by the slot assigned at registration. It is created at event
// arrival, owned by exactly one instance, and destroyed at event completion.
type InstanceState struct {
	// ID identifies this instance (one per event).
	ID string

	// ComponentID is the application component the event targets.
	ComponentID string

	slices []InstanceSlice
	slots  map[string]int
	closed bool
}

// SliceAt returns the slice at a registration slot. Host functions use the
// slot projection captured at Init time to reach their factor's state.
func (s *InstanceState) SliceAt(slot int) InstanceSlice {
	if slot < 0 || slot >= len(s.slices) {
		return nil
	}
	return s.slices[slot]
}

// Slice returns a factor's slice by name.
func (s *InstanceState) Slice(name string) InstanceSlice {
	if slot, ok := s.slots[name]; ok {
		return s.slices[slot]
	}
	return nil
}

// GetSlice returns a factor's slice downcast to its concrete type.
func GetSlice[T any](s *InstanceState, name string) (T, error) {
	var zero T
	raw := s.Slice(name)
	if raw == nil {
		return zero, fmt.Errorf("no instance state for factor %q", name)
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("instance state for factor %q has unexpected type %T", name, raw)
	}
	return typed, nil
}

// Close releases every factor's resources in reverse declaration order.
// Close is idempotent.
func (s *InstanceState) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for i := len(s.slices) - 1; i >= 0; i-- {
		if closer, ok := s.slices[i].(Closer); ok {
			if err := closer.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// instanceContextKey is the well-known store-data slot: the instance state
// travels in the invocation context so host functions can reach it.
type instanceContextKey struct{}

// WithInstance attaches an instance state to the context.
func WithInstance(ctx context.Context, state *InstanceState) context.Context {
	return context.WithValue(ctx, instanceContextKey{}, state)
}

// InstanceFromContext retrieves the instance state host functions operate
// on, or nil outside an invocation.
func InstanceFromContext(ctx context.Context) *InstanceState {
	if s, ok := ctx.Value(instanceContextKey{}).(*InstanceState); ok {
		return s
	}
	return nil
}
