package app

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LockedVariable is the serialised form of a variable declaration.
type LockedVariable struct {
	Default *string `json:"default,omitempty"`
	Secret  bool    `json:"secret,omitempty"`
}

// LockedApp is the serialised form of a resolved application. Field order is
// fixed and map keys sort canonically, so decoding a canonical document and
// re-encoding it yields byte-identical output.
type LockedApp struct {
	Metadata   map[string]json.RawMessage `json:"metadata,omitempty"`
	Variables  map[string]LockedVariable  `json:"variables,omitempty"`
	Components []Component                `json:"components"`
	Triggers   []Trigger                  `json:"triggers"`
}

// FromLocked validates a locked application document and builds an App.
func FromLocked(locked *LockedApp) (*App, error) {
	variables := make(map[string]Variable, len(locked.Variables))
	for name, v := range locked.Variables {
		variables[name] = Variable{Default: v.Default, Secret: v.Secret}
	}

	a := &App{
		metadata:       locked.Metadata,
		variables:      variables,
		components:     locked.Components,
		triggers:       locked.Triggers,
		componentIndex: make(map[string]int, len(locked.Components)),
	}
	for i, c := range locked.Components {
		if _, exists := a.componentIndex[c.ID]; exists {
			return nil, fmt.Errorf("duplicate component id %q", c.ID)
		}
		a.componentIndex[c.ID] = i
	}

	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// UnmarshalLocked decodes a locked application JSON document into an App.
func UnmarshalLocked(data []byte) (*App, error) {
	var locked LockedApp
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&locked); err != nil {
		return nil, fmt.Errorf("malformed locked application: %w", err)
	}
	return FromLocked(&locked)
}

// MarshalLocked encodes the application back to its locked JSON form.
func (a *App) MarshalLocked() ([]byte, error) {
	variables := make(map[string]LockedVariable, len(a.variables))
	for name, v := range a.variables {
		variables[name] = LockedVariable{Default: v.Default, Secret: v.Secret}
	}
	locked := LockedApp{
		Metadata:   a.metadata,
		Variables:  variables,
		Components: a.components,
		Triggers:   a.triggers,
	}
	return json.Marshal(&locked)
}
