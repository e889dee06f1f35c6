// Package factors implements the host-capability composition pipeline: an
// ordered set of factors, each owning one capability domain, configured once
// per application and prepared once per event into an isolated instance
// state.
package factors

import (
	"context"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

// AppState is a factor's application-scoped state, produced once by
// ConfigureApp and shared read-only across all instances.
type AppState interface{}

// InstanceBuilder assembles one factor's slice of the per-event instance
// state. Builders are created during Prepare (phase 3) and consumed exactly
// once by Build. Sibling factors may introspect a builder between Prepare
// and Build.
type InstanceBuilder interface {
	// Build produces the factor's slice of the instance state. Mutating the
	// builder after Build is a programmer error.
	Build() (InstanceSlice, error)
}

// InstanceSlice is one factor's per-event state. Slices that hold resources
// implement Closer; Close runs at instance teardown in reverse factor order.
type InstanceSlice interface{}

// Closer is implemented by instance slices that must release resources.
type Closer interface {
	Close(ctx context.Context) error
}

// Factor is a process-wide host-capability provider. Factors are declared in
// a fixed order; Prepare runs in declaration order so later factors may
// observe earlier factors' just-built instance builders.
type Factor interface {
	// Name returns the factor's unique registry name.
	Name() string

	// Init registers host functions into the engine. Failure aborts startup.
	Init(ctx context.Context, ic InitContext) error

	// ConfigureApp validates the factor against the resolved application and
	// consumes its slice of the runtime configuration. Runs once per app.
	ConfigureApp(ctx context.Context, cc ConfigureContext) (AppState, error)

	// Prepare produces the factor's instance builder for one event.
	Prepare(ctx context.Context, pc PrepareContext) (InstanceBuilder, error)
}

// InitContext carries what a factor needs during phase 1.
type InitContext struct {
	// Engine is the Wasm engine; read-only after Init completes.
	Engine *engine.Engine

	// Logger is a child logger scoped to the factor.
	Logger *telemetry.Logger
}

// ConfigureContext carries what a factor needs during phase 2.
type ConfigureContext struct {
	// App is the resolved application.
	App *app.App

	// RuntimeConfig consumes the factor's runtime-config tables.
	RuntimeConfig *RuntimeConfigTracker

	// Logger is a child logger scoped to the factor.
	Logger *telemetry.Logger

	priorStates map[string]AppState
}

// PriorAppState returns the AppState of an earlier-declared factor.
func (c ConfigureContext) PriorAppState(name string) (AppState, bool) {
	s, ok := c.priorStates[name]
	return s, ok
}

// PrepareContext carries what a factor needs during phase 3.
type PrepareContext struct {
	// App is the resolved application.
	App *app.App

	// Component is the component this event targets.
	Component *app.Component

	// AppState is this factor's own application-scoped state.
	AppState AppState

	// InstanceID identifies the instance being assembled.
	InstanceID string

	// Logger is a child logger scoped to the factor and component.
	Logger *telemetry.Logger

	builders map[string]InstanceBuilder
}

// Builder returns the instance builder of an earlier-declared factor, for
// sibling introspection during phase 3 (e.g. outbound HTTP reading the
// networking factor's allowed-hosts future).
func (c PrepareContext) Builder(name string) (InstanceBuilder, bool) {
	b, ok := c.builders[name]
	return b, ok
}
