// Package trigger provides the shared machinery every trigger type builds
// on: resolving a component from an event, preparing its factor instance
// state, instantiating the guest and tracking its lifecycle until teardown.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/wasifs"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

// ContentSource resolves a component to its Wasm module bytes.
type ContentSource interface {
	WasmBytes(ctx context.Context, c *app.Component) ([]byte, error)
}

// Invocation is one guest execution, assembled by the executor and shaped by
// the trigger before running.
type Invocation struct {
	// State is the per-event factor instance state.
	State *factors.InstanceState

	// Module is the live guest module. Nil until instantiation.
	Module api.Module

	// Config is the module configuration the guest will be instantiated
	// with. Triggers layer stdio and args onto it before instantiation.
	Config wazero.ModuleConfig
}

// Executor runs guest invocations for one trigger type.
type Executor struct {
	registry *factors.Registry
	source   ContentSource
	tel      *telemetry.Telemetry

	triggerType string
	logger      *telemetry.Logger
}

// NewExecutor creates an executor. triggerType labels metrics and logs.
func NewExecutor(tel *telemetry.Telemetry, registry *factors.Registry, source ContentSource, triggerType string) *Executor {
	return &Executor{
		registry:    registry,
		source:      source,
		tel:         tel,
		triggerType: triggerType,
		logger:      tel.Logger.NewComponentLogger("trigger." + triggerType),
	}
}

// Execute runs one event against a component. configure may adjust the
// module configuration before instantiation (stdio, args); run drives the
// guest export. Both receive the invocation; teardown happens here in all
// paths, with factor slices released in reverse order.
func (e *Executor) Execute(
	ctx context.Context,
	componentID string,
	configure func(inv *Invocation) error,
	run func(ctx context.Context, inv *Invocation) error,
) error {
	component := e.registry.App().Component(componentID)
	if component == nil {
		return fmt.Errorf("unknown component %q", componentID)
	}

	e.tel.Metrics.RecordEventStarted(e.triggerType)
	start := time.Now()
	lc := newLifecycle()
	status := "completed"

	// Host functions reach telemetry through the invocation context.
	ctx = e.tel.WithContext(ctx)
	ctx, eventSpan := e.tel.Tracer.StartEventSpan(ctx, e.triggerType, componentID)
	defer func() {
		e.tel.Metrics.RecordEventCompleted(e.triggerType, componentID, status, time.Since(start))
		eventSpan.End()
	}()

	fail := func(stage string, err error) error {
		status = "trapped"
		_ = lc.advance(StateTrapped)
		e.tel.Metrics.RecordGuestTrap(componentID)
		telemetry.RecordError(eventSpan, err)
		e.logger.WithComponentID(componentID).WithError(err).Errorf("%s failed", stage)
		return fmt.Errorf("%s: %w", stage, err)
	}

	prepCtx, prepSpan := e.tel.Tracer.StartPrepareSpan(ctx, componentID)
	state, err := e.registry.PrepareAll(prepCtx, component)
	prepSpan.End()
	if err != nil {
		return fail("prepare", err)
	}
	defer func() {
		if err := state.Close(context.WithoutCancel(ctx)); err != nil {
			e.logger.WithComponentID(componentID).WithError(err).Warn("instance teardown reported errors")
		}
	}()
	if err := lc.advance(StateConfigured); err != nil {
		return fail("lifecycle", err)
	}

	wasm, err := e.source.WasmBytes(ctx, component)
	if err != nil {
		return fail("resolve source", factors.NewResolveError(componentID, err))
	}
	compiled, err := e.registry.Engine().Compile(ctx, wasm)
	if err != nil {
		return fail("compile", err)
	}

	inv := &Invocation{
		State:  state,
		Config: baseModuleConfig(state),
	}
	if configure != nil {
		if err := configure(inv); err != nil {
			return fail("configure", err)
		}
	}
	if err := lc.advance(StatePreInstantiated); err != nil {
		return fail("lifecycle", err)
	}

	ctx = factors.WithInstance(ctx, state)
	mod, err := e.registry.Engine().Instantiate(ctx, compiled, inv.Config)
	if err != nil {
		return fail("instantiate", classifyGuestError(componentID, err))
	}
	inv.Module = mod
	defer func() {
		closeCtx := context.WithoutCancel(ctx)
		e.tel.Metrics.RecordGuestMemory(componentID, engine.MemorySize(mod))
		_ = mod.Close(closeCtx)
	}()
	if err := lc.advance(StateInstantiated); err != nil {
		return fail("lifecycle", err)
	}

	if err := lc.advance(StateRunning); err != nil {
		return fail("lifecycle", err)
	}
	guestCtx := ctx
	if timeout := e.registry.Engine().InvocationTimeout(); timeout > 0 {
		// The deadline is observed at the guest's next suspension point.
		var cancel context.CancelFunc
		guestCtx, cancel = context.WithTimeout(guestCtx, timeout)
		defer cancel()
	}
	guestCtx, guestSpan := e.tel.Tracer.StartGuestSpan(guestCtx, componentID, e.triggerType)
	err = run(guestCtx, inv)
	if err != nil {
		err = classifyGuestError(componentID, err)
		telemetry.RecordError(guestSpan, err)
		guestSpan.End()
		return fail("guest", err)
	}
	telemetry.RecordSuccess(guestSpan)
	guestSpan.End()
	if err := lc.advance(StateCompleted); err != nil {
		return fail("lifecycle", err)
	}

	e.logger.WithComponentID(componentID).WithInstanceID(state.ID).
		Debugf("event handled in %s, guest memory %d bytes", time.Since(start), engine.MemorySize(mod))
	return nil
}

// classifyGuestError wraps a guest failure so callers can branch on its
// class with errors.Is: deadlines and cancellations surface as timeouts,
// anything else as a trap. Already-classified errors pass through.
func classifyGuestError(componentID string, err error) error {
	var classified *factors.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return factors.NewTimeoutError(componentID, err)
	}
	return factors.NewTrapError(componentID, err)
}

// baseModuleConfig assembles the configuration every guest starts from:
// the WASI surface from the wasi factor, no start functions (triggers decide
// whether to run _start).
func baseModuleConfig(state *factors.InstanceState) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().WithStartFunctions()
	if wasi, err := factors.GetSlice[*wasifs.Instance](state, wasifs.FactorName); err == nil {
		cfg = wasi.Apply(cfg)
	}
	return cfg
}
