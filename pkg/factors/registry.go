package factors

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

// Registry holds the ordered set of factors and drives the three-phase
// configuration pipeline: Init once per process, ConfigureApp once per
// application, PrepareAll once per event.
type Registry struct {
	factors []Factor
	slots   map[string]int

	engine *engine.Engine
	tel    *telemetry.Telemetry

	app       *app.App
	appStates map[string]AppState
}

// NewRegistry creates a registry over the given factors. Declaration order
// is preparation order; names must be unique.
func NewRegistry(tel *telemetry.Telemetry, eng *engine.Engine, fs ...Factor) (*Registry, error) {
	slots := make(map[string]int, len(fs))
	for i, f := range fs {
		if _, dup := slots[f.Name()]; dup {
			return nil, fmt.Errorf("duplicate factor %q", f.Name())
		}
		slots[f.Name()] = i
	}
	return &Registry{
		factors: fs,
		slots:   slots,
		engine:  eng,
		tel:     tel,
	}, nil
}

// Slot returns the registration slot of a factor, for offset-based instance
// state access from host functions.
func (r *Registry) Slot(name string) (int, bool) {
	slot, ok := r.slots[name]
	return slot, ok
}

// Engine returns the shared Wasm engine.
func (r *Registry) Engine() *engine.Engine { return r.engine }

// App returns the configured application, or nil before ConfigureApp.
func (r *Registry) App() *app.App { return r.app }

// AppState returns a factor's application-scoped state.
func (r *Registry) AppState(name string) (AppState, bool) {
	s, ok := r.appStates[name]
	return s, ok
}

// Init runs phase 1: every factor registers its host functions. Failure is
// fatal and aborts startup.
func (r *Registry) Init(ctx context.Context) error {
	for _, f := range r.factors {
		ic := InitContext{
			Engine: r.engine,
			Logger: r.tel.Logger.NewComponentLogger("factor." + f.Name()),
		}
		if err := f.Init(ctx, ic); err != nil {
			return fmt.Errorf("factor %q init: %w", f.Name(), err)
		}
	}
	return nil
}

// ConfigureApp runs phase 2: every factor validates the application and
// consumes its runtime-config tables; afterwards the tracker must have no
// unused tables.
func (r *Registry) ConfigureApp(ctx context.Context, a *app.App, runtimeConfig []byte) error {
	tracker, err := NewRuntimeConfigTracker(runtimeConfig)
	if err != nil {
		return err
	}

	states := make(map[string]AppState, len(r.factors))
	for _, f := range r.factors {
		cc := ConfigureContext{
			App:           a,
			RuntimeConfig: tracker,
			Logger:        r.tel.Logger.NewComponentLogger("factor." + f.Name()),
			priorStates:   states,
		}
		state, err := f.ConfigureApp(ctx, cc)
		if err != nil {
			return fmt.Errorf("factor %q configure: %w", f.Name(), err)
		}
		states[f.Name()] = state
	}

	if err := tracker.EnsureFullyConsumed(); err != nil {
		return err
	}

	r.app = a
	r.appStates = states
	return nil
}

// PrepareAll runs phase 3 for one event: every factor, in declaration
// order, produces an instance builder; afterwards every builder is consumed
// into the aggregate instance state.
func (r *Registry) PrepareAll(ctx context.Context, component *app.Component) (*InstanceState, error) {
	if r.app == nil {
		return nil, fmt.Errorf("registry is not configured")
	}

	instanceID := uuid.New().String()
	builders := make(map[string]InstanceBuilder, len(r.factors))
	ordered := make([]InstanceBuilder, 0, len(r.factors))

	for _, f := range r.factors {
		pc := PrepareContext{
			App:        r.app,
			Component:  component,
			AppState:   r.appStates[f.Name()],
			InstanceID: instanceID,
			Logger: r.tel.Logger.
				NewComponentLogger("factor." + f.Name()).
				WithComponentID(component.ID).
				WithInstanceID(instanceID),
			builders: builders,
		}
		start := time.Now()
		b, err := f.Prepare(ctx, pc)
		r.tel.Metrics.RecordFactorPrepare(f.Name(), time.Since(start))
		if err != nil {
			return nil, fmt.Errorf("factor %q prepare: %w", f.Name(), err)
		}
		builders[f.Name()] = b
		ordered = append(ordered, b)
	}

	state := &InstanceState{
		ID:          instanceID,
		ComponentID: component.ID,
		slices:      make([]InstanceSlice, len(r.factors)),
		slots:       r.slots,
	}
	for i, b := range ordered {
		slice, err := b.Build()
		if err != nil {
			// Release any slices already built.
			_ = state.Close(ctx)
			return nil, fmt.Errorf("factor %q build: %w", r.factors[i].Name(), err)
		}
		state.slices[i] = slice
	}
	return state, nil
}
