package app

import (
	"fmt"
	"strings"

	"github.com/spindle-run/spindle/pkg/expressions"
)

// validate enforces the structural invariants of a resolved application:
// unique component ids, trigger references to existing components, variable
// name validity, and parseability of every config template.
func (a *App) validate() error {
	for name := range a.variables {
		if err := expressions.ValidateKey(name); err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
	}

	for i := range a.components {
		c := &a.components[i]
		if c.ID == "" {
			return fmt.Errorf("component %d has an empty id", i)
		}
		if c.Source.Digest == "" && len(c.Source.Inline) == 0 {
			return fmt.Errorf("component %q has no source content", c.ID)
		}
		if c.Source.Digest != "" && !strings.HasPrefix(c.Source.Digest, "sha256:") {
			return fmt.Errorf("component %q has unsupported digest %q", c.ID, c.Source.Digest)
		}
		for key, raw := range c.Config {
			tmpl, err := expressions.ParseTemplate(raw)
			if err != nil {
				return fmt.Errorf("component %q config %q: %w", c.ID, key, err)
			}
			for _, name := range tmpl.Keys() {
				if _, ok := a.variables[name]; !ok {
					return fmt.Errorf("component %q config %q references undefined variable %q", c.ID, key, name)
				}
			}
		}
		for _, f := range c.Files {
			if f.GuestPath == "" {
				return fmt.Errorf("component %q has a mounted file with no guest path", c.ID)
			}
		}
	}

	seenTriggers := make(map[string]bool, len(a.triggers))
	for _, t := range a.triggers {
		if t.ID == "" {
			return fmt.Errorf("trigger of type %q has an empty id", t.Type)
		}
		if seenTriggers[t.ID] {
			return fmt.Errorf("duplicate trigger id %q", t.ID)
		}
		seenTriggers[t.ID] = true
		if t.Type == "" {
			return fmt.Errorf("trigger %q has an empty type", t.ID)
		}
		if a.Component(t.ComponentID) == nil {
			return fmt.Errorf("trigger %q references unknown component %q", t.ID, t.ComponentID)
		}
	}

	return nil
}

// NewResolver builds an expressions resolver pre-loaded with the
// application's variables and every component's config templates.
func (a *App) NewResolver() (*expressions.Resolver, error) {
	resolver, err := expressions.NewResolver(a.variables)
	if err != nil {
		return nil, err
	}
	for _, c := range a.components {
		if err := resolver.AddComponentConfig(c.ID, c.Config); err != nil {
			return nil, err
		}
	}
	return resolver, nil
}
