// Package keyvalue provides guests with labeled key-value stores gated by a
// per-component allow-list. Stores are routed to backends through runtime
// configuration; the default label falls back to an in-memory store when no
// configuration names it.
package keyvalue

import (
	"context"
	"fmt"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/resource"
	"github.com/spindle-run/spindle/pkg/kv"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

// FactorName is the registry name of the key-value factor.
const FactorName = "key-value"

// AllowedStoresKey is the component metadata key listing permitted labels.
const AllowedStoresKey = "key_value_stores"

// DefaultLabel always resolves, backed by process memory unless runtime
// configuration overrides it.
const DefaultLabel = "default"

// Factor is the key-value capability factor.
type Factor struct {
	// TableCapacity bounds open store handles per instance. Zero uses
	// resource.DefaultCapacity.
	TableCapacity int

	// CacheSize bounds the per-label read cache over persistent backends.
	// Zero uses kv.DefaultCacheSize.
	CacheSize int
}

// storeConfig is one [key_value_store.<label>] runtime config table.
type storeConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
	URL  string `toml:"url"`
}

type appState struct {
	manager kv.StoreManager
	// allowed maps component id to its permitted store labels.
	allowed map[string]map[string]bool
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor. It registers the legacy and current host
// modules; both operate on the same instance state.
func (f *Factor) Init(ctx context.Context, ic factors.InitContext) error {
	if err := ic.Engine.RegisterHostModule(ctx, hostModuleV1, registerV1); err != nil {
		return err
	}
	return ic.Engine.RegisterHostModule(ctx, hostModuleV2, registerV2)
}

// ConfigureApp implements factors.Factor. It builds the label router from
// runtime configuration and snapshots each component's allow-list.
func (f *Factor) ConfigureApp(ctx context.Context, cc factors.ConfigureContext) (factors.AppState, error) {
	configs, err := factors.ConsumeRuntimeConfig[map[string]storeConfig](cc.RuntimeConfig, "key_value_store")
	if err != nil {
		return nil, err
	}

	managers := make(map[string]kv.StoreManager)
	if configs != nil {
		for label, cfg := range *configs {
			manager, err := f.buildManager(cfg)
			if err != nil {
				return nil, factors.NewConfigError(fmt.Sprintf("key value store %q", label), err)
			}
			managers[label] = manager
		}
	}

	memory := kv.NewMemoryStoreManager()
	delegating := kv.NewDelegatingStoreManager(managers, func(label string) kv.StoreManager {
		if label == DefaultLabel {
			return memory
		}
		return nil
	})

	allowed := make(map[string]map[string]bool)
	for _, component := range cc.App.Components() {
		labels, err := app.GetMetadata[[]string](&component, AllowedStoresKey)
		if err != nil {
			return nil, factors.NewConfigError(
				fmt.Sprintf("component %q: malformed %s", component.ID, AllowedStoresKey), err)
		}
		set := make(map[string]bool)
		if labels != nil {
			for _, label := range *labels {
				// Fail startup on labels no backend can serve.
				if _, ok := managers[label]; !ok && label != DefaultLabel {
					return nil, factors.NewConfigError(
						fmt.Sprintf("component %q allows unknown key value store %q", component.ID, label), nil)
				}
				set[label] = true
			}
		}
		allowed[component.ID] = set
		for label := range set {
			cc.Logger.Debugf("component %q granted store %q (%s)",
				component.ID, label, delegating.Summary(label))
		}
	}

	return &appState{manager: delegating, allowed: allowed}, nil
}

func (f *Factor) buildManager(cfg storeConfig) (kv.StoreManager, error) {
	switch cfg.Type {
	case "memory":
		return kv.NewMemoryStoreManager(), nil
	case "sqlite":
		manager, err := kv.NewSQLiteStoreManager(cfg.Path)
		if err != nil {
			return nil, err
		}
		return kv.NewCachingStoreManager(manager, f.CacheSize), nil
	case "redis":
		manager, err := kv.NewRedisStoreManager(cfg.URL)
		if err != nil {
			return nil, err
		}
		return kv.NewCachingStoreManager(manager, f.CacheSize), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	state := pc.AppState.(*appState)
	return &Builder{
		manager:  state.manager,
		allowed:  state.allowed[pc.Component.ID],
		capacity: f.TableCapacity,
	}, nil
}

// Builder assembles the per-instance key-value state.
type Builder struct {
	manager  kv.StoreManager
	allowed  map[string]bool
	capacity int
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{
		manager: b.manager,
		allowed: b.allowed,
		stores:  resource.NewTable[openStore](b.capacity),
	}, nil
}

type openStore struct {
	label string
	store kv.Store
}

// Instance is the per-event key-value state host functions operate on.
type Instance struct {
	manager kv.StoreManager
	allowed map[string]bool
	stores  *resource.Table[openStore]
}

// OpenStore checks the allow-list, opens the labeled store and returns its
// handle.
func (i *Instance) OpenStore(ctx context.Context, label string) (uint32, error) {
	if !i.allowed[label] {
		return 0, &kv.StoreError{Kind: kv.ErrAccessDenied, Detail: label}
	}
	store, err := i.manager.Get(ctx, label)
	if err != nil {
		return 0, err
	}
	handle, err := i.stores.Push(openStore{label: label, store: store})
	if err != nil {
		return 0, &kv.StoreError{Kind: kv.ErrStoreTableFull, Detail: label}
	}
	i.recordOp(ctx, "open", handle)
	return handle, nil
}

// recordOp counts one store operation against the handle's label.
func (i *Instance) recordOp(ctx context.Context, operation string, handle uint32) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	if entry, ok := i.stores.Get(handle); ok {
		tel.Metrics.RecordStoreOperation(operation, entry.label)
	}
}

// Store resolves a handle to its open store.
func (i *Instance) Store(handle uint32) (kv.Store, error) {
	entry, ok := i.stores.Get(handle)
	if !ok {
		return nil, &kv.StoreError{Kind: kv.ErrInvalidStore, Detail: fmt.Sprintf("handle %d", handle)}
	}
	return entry.store, nil
}

// CloseStore relinquishes a handle. Closing an invalid handle fails with
// invalid-store.
func (i *Instance) CloseStore(handle uint32) error {
	if _, ok := i.stores.Remove(handle); !ok {
		return &kv.StoreError{Kind: kv.ErrInvalidStore, Detail: fmt.Sprintf("handle %d", handle)}
	}
	return nil
}

// Close implements factors.Closer; it drops all open handles.
func (i *Instance) Close(context.Context) error {
	i.stores.Drain()
	return nil
}

func instanceFromContext(ctx context.Context) (*Instance, error) {
	state := factors.InstanceFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("no instance in context")
	}
	return factors.GetSlice[*Instance](state, FactorName)
}
