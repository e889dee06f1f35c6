// Package app defines the resolved application: the immutable, validated
// description of components, triggers, variables and allow-lists that the
// rest of the runtime shares by reference.
package app

import (
	"encoding/json"

	"github.com/spindle-run/spindle/pkg/expressions"
)

// Variable is an application variable declaration. Exactly one of "has a
// default" or "is required" holds; see expressions.Variable.
type Variable = expressions.Variable

// ContentRef references component content by digest. Digests are
// authoritative for deduplication and caching.
type ContentRef struct {
	// ContentType describes the referenced bytes (e.g. "application/wasm").
	ContentType string `json:"contentType,omitempty"`

	// Digest is a "sha256:<hex>" digest of the content.
	Digest string `json:"digest,omitempty"`

	// Source locates the content: a file path or file:// URI. Empty when the
	// content is inline.
	Source string `json:"source,omitempty"`

	// Inline holds the content bytes directly (base64 in JSON form).
	Inline []byte `json:"inline,omitempty"`
}

// MountedFile pairs host content with the guest path it is mounted at,
// read-only.
type MountedFile struct {
	Content   ContentRef `json:"content"`
	GuestPath string     `json:"path"`
}

// Component is one deployable unit of an application.
type Component struct {
	// ID is unique within the application.
	ID string `json:"id"`

	// Source resolves to the component's Wasm bytes.
	Source ContentRef `json:"source"`

	// Env is the WASI environment for the component.
	Env map[string]string `json:"env,omitempty"`

	// Files are mounted read-only into the guest.
	Files []MountedFile `json:"files,omitempty"`

	// Config maps config keys to template expressions.
	Config map[string]string `json:"config,omitempty"`

	// Metadata holds per-component typed tables keyed by factor-defined keys
	// (e.g. "key_value_stores", "allowed_outbound_hosts").
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Trigger binds an event source to a component.
type Trigger struct {
	// ID is unique within the application.
	ID string `json:"id"`

	// Type is the trigger type ("http", "redis", ...).
	Type string `json:"type"`

	// ComponentID names the component handling this trigger's events.
	ComponentID string `json:"component"`

	// Config is the trigger-type-specific configuration, opaque to the core.
	Config json.RawMessage `json:"config,omitempty"`
}

// App is the resolved application. It is immutable after construction and
// shared by reference across all instances.
type App struct {
	metadata   map[string]json.RawMessage
	variables  map[string]Variable
	components []Component
	triggers   []Trigger

	componentIndex map[string]int
}

// Metadata returns the raw application metadata value for key, or nil.
func (a *App) Metadata(key string) json.RawMessage {
	return a.metadata[key]
}

// Variables returns the application variable declarations.
func (a *App) Variables() map[string]Variable {
	return a.variables
}

// Components returns the ordered components. Callers must not mutate.
func (a *App) Components() []Component {
	return a.components
}

// Component returns the component with the given id, or nil.
func (a *App) Component(id string) *Component {
	if idx, ok := a.componentIndex[id]; ok {
		return &a.components[idx]
	}
	return nil
}

// Triggers returns the ordered triggers. Callers must not mutate.
func (a *App) Triggers() []Trigger {
	return a.triggers
}

// TriggersOfType returns all triggers of the given type, in declaration order.
func (a *App) TriggersOfType(triggerType string) []Trigger {
	var out []Trigger
	for _, t := range a.triggers {
		if t.Type == triggerType {
			out = append(out, t)
		}
	}
	return out
}

// TriggerComponent resolves a trigger to its component.
func (a *App) TriggerComponent(t Trigger) *Component {
	return a.Component(t.ComponentID)
}
