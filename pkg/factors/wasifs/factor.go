// Package wasifs grants guests their WASI surface: component files mounted
// read-only at the guest root, environment variables from the component
// definition, and stdio left to the trigger. Components without files get no
// filesystem at all.
package wasifs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tetratelabs/wazero"

	"github.com/spindle-run/spindle/pkg/factors"
)

// FactorName is the registry name of the wasi factor.
const FactorName = "wasi"

// Factor is the WASI filesystem and environment factor.
type Factor struct {
	// AssetsRoot is the directory the loader staged component files under,
	// one subdirectory per component ID. Empty means no component may mount
	// files.
	AssetsRoot string

	// AllowWrites mounts staged files read-write. Writes land in the staged
	// copy and do not survive a restage, so this is only useful for
	// components that scratch in their own file tree.
	AllowWrites bool
}

type appState struct {
	// mounts maps component ID to its staged asset directory. Components
	// without files are absent.
	mounts map[string]string
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor. WASI itself is instantiated by the engine;
// this factor only shapes per-instance module configuration.
func (f *Factor) Init(_ context.Context, _ factors.InitContext) error { return nil }

// ConfigureApp implements factors.Factor. It verifies every component that
// declares files has a staged asset directory.
func (f *Factor) ConfigureApp(_ context.Context, cc factors.ConfigureContext) (factors.AppState, error) {
	mounts := make(map[string]string)
	for _, component := range cc.App.Components() {
		if len(component.Files) == 0 {
			continue
		}
		if f.AssetsRoot == "" {
			return nil, factors.NewConfigError(
				fmt.Sprintf("component %q declares files but no assets directory is configured", component.ID), nil)
		}
		dir := filepath.Join(f.AssetsRoot, component.ID)
		info, err := os.Stat(dir)
		if err != nil {
			return nil, factors.NewConfigError(
				fmt.Sprintf("component %q: staged assets missing at %s", component.ID, dir), err)
		}
		if !info.IsDir() {
			return nil, factors.NewConfigError(
				fmt.Sprintf("component %q: staged assets path %s is not a directory", component.ID, dir), nil)
		}
		mounts[component.ID] = dir
	}
	return &appState{mounts: mounts}, nil
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	state := pc.AppState.(*appState)
	return &Builder{
		mountDir: state.mounts[pc.Component.ID],
		env:      pc.Component.Env,
		writable: f.AllowWrites,
	}, nil
}

// Builder assembles the per-instance WASI state.
type Builder struct {
	mountDir string
	env      map[string]string
	writable bool
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{mountDir: b.mountDir, env: b.env, writable: b.writable}, nil
}

// Instance carries one instance's WASI surface. Triggers apply it to the
// module configuration before instantiation, then layer stdio and args on
// top.
type Instance struct {
	mountDir string
	env      map[string]string
	writable bool
}

// Apply extends a module configuration with this instance's filesystem and
// environment. Environment keys are applied in sorted order so repeated
// instantiations are identical.
func (i *Instance) Apply(cfg wazero.ModuleConfig) wazero.ModuleConfig {
	if i.mountDir != "" {
		fsCfg := wazero.NewFSConfig()
		if i.writable {
			fsCfg = fsCfg.WithDirMount(i.mountDir, "/")
		} else {
			fsCfg = fsCfg.WithFSMount(NewReadOnlyFS(os.DirFS(i.mountDir)), "/")
		}
		cfg = cfg.WithFSConfig(fsCfg)
	}
	for _, key := range sortedKeys(i.env) {
		cfg = cfg.WithEnv(key, i.env[key])
	}
	return cfg
}

// Env returns the component environment. Callers must not mutate.
func (i *Instance) Env() map[string]string { return i.env }

// MountDir returns the host directory mounted at the guest root, or empty.
func (i *Instance) MountDir() string { return i.mountDir }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
