// Package variables wires application variables to their providers and
// exposes resolved component config to guests. Providers are consulted in
// declaration order; the first to return a value wins, then declaration
// defaults apply.
package variables

import (
	"context"
	"fmt"

	"github.com/spindle-run/spindle/pkg/expressions"
	"github.com/spindle-run/spindle/pkg/factors"
)

// FactorName is the registry name of the variables factor.
const FactorName = "variables"

// Factor is the variables capability factor.
type Factor struct{}

// providerConfig is one [[variable_provider]] runtime config entry.
type providerConfig struct {
	Type string `toml:"type"`

	// Prefix overrides the env provider's variable prefix.
	Prefix string `toml:"prefix"`

	// Values backs the static provider.
	Values map[string]string `toml:"values"`

	// URL and Token configure the vault provider.
	URL   string `toml:"url"`
	Token string `toml:"token"`
	Mount string `toml:"mount"`
}

type appState struct {
	resolver *expressions.Resolver
}

// ExpressionResolver exposes the resolver to sibling factors (networking
// resolves templated allow-list entries through it).
func (s *appState) ExpressionResolver() *expressions.Resolver { return s.resolver }

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor.
func (f *Factor) Init(ctx context.Context, ic factors.InitContext) error {
	return ic.Engine.RegisterHostModule(ctx, hostModule, registerHost)
}

// ConfigureApp implements factors.Factor. The env provider is always the
// last in the chain so explicit providers take precedence.
func (f *Factor) ConfigureApp(_ context.Context, cc factors.ConfigureContext) (factors.AppState, error) {
	configs, err := factors.ConsumeRuntimeConfig[[]providerConfig](cc.RuntimeConfig, "variable_provider")
	if err != nil {
		return nil, err
	}

	resolver, err := cc.App.NewResolver()
	if err != nil {
		return nil, factors.NewConfigError("building variable resolver", err)
	}

	if configs != nil {
		for i, cfg := range *configs {
			provider, err := buildProvider(cfg)
			if err != nil {
				return nil, factors.NewConfigError(fmt.Sprintf("variable_provider[%d]", i), err)
			}
			resolver.AddProvider(provider)
		}
	}
	resolver.AddProvider(NewEnvProvider(DefaultEnvPrefix, nil))

	return &appState{resolver: resolver}, nil
}

func buildProvider(cfg providerConfig) (expressions.Provider, error) {
	switch cfg.Type {
	case "env":
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = DefaultEnvPrefix
		}
		return NewEnvProvider(prefix, nil), nil
	case "static":
		return NewStaticProvider(cfg.Values), nil
	case "vault":
		if cfg.URL == "" {
			return nil, fmt.Errorf("vault provider: url is required")
		}
		return NewVaultProvider(cfg.URL, cfg.Token, cfg.Mount), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	state := pc.AppState.(*appState)
	return &Builder{resolver: state.resolver, componentID: pc.Component.ID}, nil
}

// Builder assembles the per-instance variables state.
type Builder struct {
	resolver    *expressions.Resolver
	componentID string
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{resolver: b.resolver, componentID: b.componentID}, nil
}

// Instance is the per-event variables state.
type Instance struct {
	resolver    *expressions.Resolver
	componentID string
}

// Get resolves one component config key for the guest.
func (i *Instance) Get(ctx context.Context, key string) (string, error) {
	if err := expressions.ValidateKey(key); err != nil {
		return "", &varError{code: codeInvalidName, detail: key}
	}
	value, err := i.resolver.Resolve(ctx, i.componentID, key)
	if err != nil {
		return "", classifyResolveError(key, err)
	}
	return value, nil
}

func instanceFromContext(ctx context.Context) (*Instance, error) {
	state := factors.InstanceFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("no instance in context")
	}
	return factors.GetSlice[*Instance](state, FactorName)
}
