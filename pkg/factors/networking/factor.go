// Package networking owns the outbound allow-list: it validates each
// component's allowed-hosts patterns at configure time and hands sibling
// factors a lazily resolved, per-event view of the list. Patterns may
// reference application variables, so final resolution is deferred to the
// first outbound request of each event.
package networking

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/expressions"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/outbound"
)

// FactorName is the registry name of the networking factor.
const FactorName = "networking"

// AllowedHostsKey is the component metadata key holding outbound patterns.
const AllowedHostsKey = "allowed_outbound_hosts"

// LegacyAllowedHTTPHostsKey is the pre-unification metadata key. Entries are
// bare hosts implicitly granted http and https.
const LegacyAllowedHTTPHostsKey = "allowed_http_hosts"

// legacyAllowAll is the magic legacy entry granting unrestricted HTTP.
const legacyAllowAll = "insecure:allow-all"

// Factor is the outbound-networking factor.
type Factor struct{}

// networkingConfig is the [outbound_networking] runtime config table.
type networkingConfig struct {
	BlockPrivateNetworks bool `toml:"block_private_networks"`
}

// resolverProvider is implemented by the variables factor's app state.
type resolverProvider interface {
	ExpressionResolver() *expressions.Resolver
}

type appState struct {
	patterns map[string][]string
	resolver *expressions.Resolver
	blocked  outbound.BlockedNetworks
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor. The factor exports no host functions; it
// exists for its configure and prepare phases.
func (f *Factor) Init(context.Context, factors.InitContext) error { return nil }

// ConfigureApp implements factors.Factor. Literal patterns are validated
// eagerly; templated patterns are validated for variable references only and
// parsed at resolution time.
func (f *Factor) ConfigureApp(_ context.Context, cc factors.ConfigureContext) (factors.AppState, error) {
	cfg, err := factors.ConsumeRuntimeConfig[networkingConfig](cc.RuntimeConfig, "outbound_networking")
	if err != nil {
		return nil, err
	}
	blocked := outbound.BlockedNetworks{AllowPrivate: true}
	if cfg != nil && cfg.BlockPrivateNetworks {
		blocked.AllowPrivate = false
	}

	resolver := f.expressionResolver(cc)

	patterns := make(map[string][]string)
	for _, component := range cc.App.Components() {
		list, err := componentPatterns(&component)
		if err != nil {
			return nil, err
		}
		for _, raw := range list {
			tmpl, err := expressions.ParseTemplate(raw)
			if err != nil {
				return nil, factors.NewConfigError(
					fmt.Sprintf("component %q: allowed host %q", component.ID, raw), err)
			}
			if tmpl.IsLiteral() {
				if _, err := outbound.ParseAllowedHost(raw); err != nil {
					return nil, factors.NewConfigError(
						fmt.Sprintf("component %q: allowed host %q", component.ID, raw), err)
				}
				continue
			}
			for _, key := range tmpl.Keys() {
				if !resolver.HasVariable(key) {
					return nil, factors.NewConfigError(
						fmt.Sprintf("component %q: allowed host %q references undefined variable %q",
							component.ID, raw, key), nil)
				}
			}
		}
		patterns[component.ID] = list
	}

	return &appState{patterns: patterns, resolver: resolver, blocked: blocked}, nil
}

func (f *Factor) expressionResolver(cc factors.ConfigureContext) *expressions.Resolver {
	if prior, ok := cc.PriorAppState("variables"); ok {
		if rp, ok := prior.(resolverProvider); ok {
			return rp.ExpressionResolver()
		}
	}
	// Without a variables factor, defaults still resolve.
	resolver, err := cc.App.NewResolver()
	if err != nil {
		// The app already validated its templates; a resolver failure here
		// means no variables at all.
		resolver, _ = expressions.NewResolver(nil)
	}
	return resolver
}

// componentPatterns merges the current and legacy metadata keys.
func componentPatterns(c *app.Component) ([]string, error) {
	var list []string
	current, err := app.GetMetadata[[]string](c, AllowedHostsKey)
	if err != nil {
		return nil, factors.NewConfigError(
			fmt.Sprintf("component %q: malformed %s", c.ID, AllowedHostsKey), err)
	}
	if current != nil {
		list = append(list, *current...)
	}

	legacy, err := app.GetMetadata[[]string](c, LegacyAllowedHTTPHostsKey)
	if err != nil {
		return nil, factors.NewConfigError(
			fmt.Sprintf("component %q: malformed %s", c.ID, LegacyAllowedHTTPHostsKey), err)
	}
	if legacy != nil {
		list = append(list, convertLegacyPatterns(*legacy)...)
	}
	return list, nil
}

// convertLegacyPatterns maps bare legacy hosts onto the unified grammar:
// each host is granted both http and https on any port.
func convertLegacyPatterns(hosts []string) []string {
	var out []string
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if host == legacyAllowAll {
			out = append(out, "http://*:*", "https://*:*")
			continue
		}
		out = append(out, "http://"+host+":*", "https://"+host+":*")
	}
	return out
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	state := pc.AppState.(*appState)
	patterns := state.patterns[pc.Component.ID]
	resolver := state.resolver

	future := sync.OnceValues(func() (*outbound.AllowedHosts, error) {
		resolved := make([]string, len(patterns))
		for i, raw := range patterns {
			value, err := resolver.ResolveTemplate(context.Background(), raw)
			if err != nil {
				return nil, factors.NewConfigError(fmt.Sprintf("allowed host %q", raw), err)
			}
			resolved[i] = value
		}
		return outbound.ParseAllowedHosts(resolved)
	})

	return &Builder{future: future, blocked: state.blocked}, nil
}

// Builder carries the allowed-hosts future. Sibling factors grab the future
// during their own Prepare, before any Build runs.
type Builder struct {
	future  func() (*outbound.AllowedHosts, error)
	blocked outbound.BlockedNetworks
}

// AllowedHostsFuture returns the shared lazy allow-list. All callers within
// one event observe the same resolution result.
func (b *Builder) AllowedHostsFuture() func() (*outbound.AllowedHosts, error) {
	return b.future
}

// BlockedNetworks returns the private-network guard for this app.
func (b *Builder) BlockedNetworks() outbound.BlockedNetworks { return b.blocked }

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{future: b.future, blocked: b.blocked}, nil
}

// Instance is the per-event networking state.
type Instance struct {
	future  func() (*outbound.AllowedHosts, error)
	blocked outbound.BlockedNetworks
}

// AllowedHosts resolves (once) and returns the allow-list for this event.
func (i *Instance) AllowedHosts() (*outbound.AllowedHosts, error) { return i.future() }

// BlockedNetworks returns the private-network guard.
func (i *Instance) BlockedNetworks() outbound.BlockedNetworks { return i.blocked }

// CheckURL verifies a destination against the allow-list and the network
// guard, returning an access-denied error on refusal.
func (i *Instance) CheckURL(ctx context.Context, componentID string, u *outbound.OutboundURL) error {
	hosts, err := i.AllowedHosts()
	if err != nil {
		return err
	}
	if !hosts.Allows(u) {
		return factors.NewAccessDeniedError(FactorName, componentID,
			fmt.Sprintf("destination %s://%s is not in allowed_outbound_hosts", u.Scheme, u.Host))
	}
	if err := i.blocked.CheckHost(ctx, u.Host); err != nil {
		return factors.NewAccessDeniedError(FactorName, componentID, err.Error())
	}
	return nil
}
