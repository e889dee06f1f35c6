package expressions

import (
	"context"
	"fmt"
	"strings"
)

// MaxExpansionDepth bounds recursive template expansion. A chain of exactly
// this many nested references resolves; one more fails with invalid-template.
const MaxExpansionDepth = 100

// Variable declares an application variable: either it carries a default or
// it is required and must be supplied by a provider.
type Variable struct {
	// Default is the value used when no provider supplies one. Nil means the
	// variable is required.
	Default *string

	// Secret marks values that must never be logged.
	Secret bool
}

// Required reports whether the variable has no default.
func (v Variable) Required() bool { return v.Default == nil }

// Resolver resolves per-component config templates against application
// variables and an ordered provider chain. The first provider to return a
// value wins; the variable default is the fallback.
type Resolver struct {
	variables        map[string]Variable
	componentConfigs map[string]map[string]Template
	providers        []Provider
}

// NewResolver creates a resolver for the given application variables.
func NewResolver(variables map[string]Variable) (*Resolver, error) {
	for key := range variables {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
	}
	vars := make(map[string]Variable, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &Resolver{
		variables:        vars,
		componentConfigs: make(map[string]map[string]Template),
	}, nil
}

// AddComponentConfig registers a component's config templates. Every
// expression must reference a declared variable.
func (r *Resolver) AddComponentConfig(componentID string, config map[string]string) error {
	templates := make(map[string]Template, len(config))
	for key, raw := range config {
		tmpl, err := ParseTemplate(raw)
		if err != nil {
			return fmt.Errorf("component %q config %q: %w", componentID, key, err)
		}
		for _, name := range tmpl.Keys() {
			if _, ok := r.variables[name]; !ok {
				return &Error{
					Kind:   ErrUndefined,
					Detail: fmt.Sprintf("component %q config %q references undefined variable %q", componentID, key, name),
				}
			}
		}
		templates[key] = tmpl
	}
	r.componentConfigs[componentID] = templates
	return nil
}

// AddProvider appends a provider to the chain. Order is resolution priority.
func (r *Resolver) AddProvider(p Provider) {
	r.providers = append(r.providers, p)
}

// Resolve resolves one config key for a component.
func (r *Resolver) Resolve(ctx context.Context, componentID, key string) (string, error) {
	templates, ok := r.componentConfigs[componentID]
	if !ok {
		return "", &Error{Kind: ErrUndefined, Detail: fmt.Sprintf("unknown component %q", componentID)}
	}
	tmpl, ok := templates[key]
	if !ok {
		return "", &Error{Kind: ErrUndefined, Detail: fmt.Sprintf("component %q has no config key %q", componentID, key)}
	}
	return r.resolveTemplate(ctx, tmpl, 0)
}

// ResolveAll resolves every config key for a component.
func (r *Resolver) ResolveAll(ctx context.Context, componentID string) (map[string]string, error) {
	templates := r.componentConfigs[componentID]
	resolved := make(map[string]string, len(templates))
	for key, tmpl := range templates {
		value, err := r.resolveTemplate(ctx, tmpl, 0)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", key, err)
		}
		resolved[key] = value
	}
	return resolved, nil
}

// ResolveTemplate parses and resolves a free-standing template string that
// is not registered as component config (e.g. an allow-list entry).
func (r *Resolver) ResolveTemplate(ctx context.Context, raw string) (string, error) {
	tmpl, err := ParseTemplate(raw)
	if err != nil {
		return "", err
	}
	for _, key := range tmpl.Keys() {
		if !r.HasVariable(key) {
			return "", &Error{Kind: ErrUndefined, Detail: fmt.Sprintf("undefined variable %q", key)}
		}
	}
	return r.resolveTemplate(ctx, tmpl, 0)
}

// ResolveVariable resolves a single application variable by name.
func (r *Resolver) ResolveVariable(ctx context.Context, name string) (string, error) {
	return r.resolveVariable(ctx, name, 0)
}

// HasVariable reports whether the application declares the named variable.
func (r *Resolver) HasVariable(name string) bool {
	_, ok := r.variables[name]
	return ok
}

// ComponentKeys returns the config keys registered for a component.
func (r *Resolver) ComponentKeys(componentID string) []string {
	templates := r.componentConfigs[componentID]
	keys := make([]string, 0, len(templates))
	for key := range templates {
		keys = append(keys, key)
	}
	return keys
}

func (r *Resolver) resolveTemplate(ctx context.Context, tmpl Template, depth int) (string, error) {
	var b strings.Builder
	for _, p := range tmpl.parts {
		switch p.kind {
		case partLiteral:
			b.WriteString(p.text)
		case partExpr:
			value, err := r.resolveVariable(ctx, p.text, depth)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
		}
	}
	return b.String(), nil
}

func (r *Resolver) resolveVariable(ctx context.Context, name string, depth int) (string, error) {
	if depth > MaxExpansionDepth {
		return "", &Error{
			Kind:   ErrInvalidTemplate,
			Detail: fmt.Sprintf("expansion of variable %q exceeds depth %d", name, MaxExpansionDepth),
		}
	}

	variable, ok := r.variables[name]
	if !ok {
		return "", &Error{Kind: ErrUndefined, Detail: fmt.Sprintf("undefined variable %q", name)}
	}

	value, err := r.lookup(ctx, name, variable)
	if err != nil {
		return "", err
	}

	// Values may themselves contain expressions; re-expand within the limit.
	if strings.Contains(value, "{{") {
		nested, err := ParseTemplate(value)
		if err != nil {
			return "", err
		}
		return r.resolveTemplate(ctx, nested, depth+1)
	}
	return value, nil
}

func (r *Resolver) lookup(ctx context.Context, name string, variable Variable) (string, error) {
	for _, p := range r.providers {
		value, err := p.Get(ctx, name)
		if err != nil {
			return "", &Error{Kind: ErrProvider, Detail: fmt.Sprintf("provider failed for %q", name), Err: err}
		}
		if value != nil {
			return *value, nil
		}
	}
	if variable.Default != nil {
		return *variable.Default, nil
	}
	return "", &Error{Kind: ErrRequiredMissing, Detail: fmt.Sprintf("missing required variable %q", name)}
}
