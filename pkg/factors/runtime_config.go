package factors

import (
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// RuntimeConfigTracker wraps the runtime-configuration TOML document so that
// each factor consumes its own top-level tables and any table left unclaimed
// after configuration is reported as an error. This catches typos in
// deployment configuration.
type RuntimeConfigTracker struct {
	tables map[string]interface{}
	used   map[string]bool
}

// NewRuntimeConfigTracker parses a runtime-config TOML document. A nil or
// empty document yields an empty tracker.
func NewRuntimeConfigTracker(doc []byte) (*RuntimeConfigTracker, error) {
	tables := make(map[string]interface{})
	if len(doc) > 0 {
		if err := toml.Unmarshal(doc, &tables); err != nil {
			return nil, NewConfigError("malformed runtime config", err)
		}
	}
	return &RuntimeConfigTracker{
		tables: tables,
		used:   make(map[string]bool),
	}, nil
}

// ConsumeRuntimeConfig decodes the top-level table (or array of tables)
// named key into T and marks it used. It returns nil when the key is absent.
func ConsumeRuntimeConfig[T any](t *RuntimeConfigTracker, key string) (*T, error) {
	raw, ok := t.tables[key]
	if !ok {
		return nil, nil
	}
	t.used[key] = true

	// Round-trip through TOML to apply T's field mapping to the raw value.
	encoded, err := toml.Marshal(map[string]interface{}{"value": raw})
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("runtime config table %q", key), err)
	}
	var wrapper struct {
		Value T `toml:"value"`
	}
	if err := toml.Unmarshal(encoded, &wrapper); err != nil {
		return nil, NewConfigError(fmt.Sprintf("runtime config table %q", key), err)
	}
	return &wrapper.Value, nil
}

// MarkUsed marks a key consumed without decoding it.
func (t *RuntimeConfigTracker) MarkUsed(key string) {
	if _, ok := t.tables[key]; ok {
		t.used[key] = true
	}
}

// UnusedKeys returns the top-level keys no factor consumed, sorted.
func (t *RuntimeConfigTracker) UnusedKeys() []string {
	var unused []string
	for key := range t.tables {
		if !t.used[key] {
			unused = append(unused, key)
		}
	}
	sort.Strings(unused)
	return unused
}

// EnsureFullyConsumed fails when any table was not consumed by any factor.
func (t *RuntimeConfigTracker) EnsureFullyConsumed() error {
	unused := t.UnusedKeys()
	if len(unused) == 0 {
		return nil
	}
	return NewConfigError(fmt.Sprintf("unused runtime config table %q", unused[0]), nil)
}
