// Package engine wraps wazero behind the narrow contract the runtime needs:
// compile modules from bytes, register host functions on the shared linker,
// instantiate guests with per-event configuration, and enforce memory and
// deadline limits.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config controls engine-wide limits.
type Config struct {
	// MemoryLimitPages is the guest memory ceiling in 64KB pages.
	// Default is 2048 pages (128MB).
	MemoryLimitPages uint32

	// InvocationTimeout bounds one guest invocation. Zero disables the
	// engine-level deadline; triggers may still impose their own.
	InvocationTimeout time.Duration
}

// Engine is the shared Wasm engine. It is created once, read-only after all
// host modules are registered, and shared by reference across instances.
type Engine struct {
	runtime wazero.Runtime
	config  Config

	mu       sync.RWMutex
	compiled map[string]wazero.CompiledModule
	sealed   bool
}

// New creates an engine. WASI preview 1 is always available to guests;
// capability shims restrict what it can reach per instance.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 2048 // 128MB
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &Engine{
		runtime:  runtime,
		config:   cfg,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// RegisterHostModule builds and instantiates one named host module. Called
// by factors during Init; fails after Seal.
func (e *Engine) RegisterHostModule(ctx context.Context, name string, register func(wazero.HostModuleBuilder)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return fmt.Errorf("engine is sealed; host module %q registered too late", name)
	}

	builder := e.runtime.NewHostModuleBuilder(name)
	register(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module %q: %w", name, err)
	}
	return nil
}

// Seal marks the end of host-module registration (end of phase 1).
func (e *Engine) Seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// Compile compiles a module from bytes, caching by content digest.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(wasm)
	key := hex.EncodeToString(sum[:])

	e.mu.RLock()
	if compiled, ok := e.compiled[key]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compilation failed: %w", err)
	}

	e.mu.Lock()
	if prior, ok := e.compiled[key]; ok {
		e.mu.Unlock()
		_ = compiled.Close(ctx)
		return prior, nil
	}
	e.compiled[key] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// Instantiate creates one anonymous module instance with the given
// per-instance configuration. The context carries the instance state slot
// that host functions read; cancellation tears the instance down.
func (e *Engine) Instantiate(ctx context.Context, compiled wazero.CompiledModule, modCfg wazero.ModuleConfig) (api.Module, error) {
	// Anonymous name so concurrent instances of one component never collide.
	return e.runtime.InstantiateModule(ctx, compiled, modCfg.WithName(""))
}

// InvocationTimeout returns the configured per-invocation deadline; zero
// means unbounded. Callers apply it to the context the guest export runs
// under, where it is observed at the next guest suspension point.
func (e *Engine) InvocationTimeout() time.Duration {
	return e.config.InvocationTimeout
}

// MemorySize returns the current linear memory size of a module in bytes.
func MemorySize(mod api.Module) uint64 {
	mem := mod.Memory()
	if mem == nil {
		return 0
	}
	return uint64(mem.Size())
}

// HasExport reports whether a compiled module exports a function with the
// given name.
func HasExport(compiled wazero.CompiledModule, name string) bool {
	for _, def := range compiled.ExportedFunctions() {
		for _, exportName := range def.ExportNames() {
			if exportName == name {
				return true
			}
		}
	}
	return false
}

// Close shuts the engine down, releasing all compiled modules.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.compiled {
		_ = c.Close(ctx)
	}
	e.compiled = nil
	return e.runtime.Close(ctx)
}
