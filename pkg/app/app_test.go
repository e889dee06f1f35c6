package app

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func testLocked() *LockedApp {
	return &LockedApp{
		Metadata: map[string]json.RawMessage{
			"name":    json.RawMessage(`"example"`),
			"version": json.RawMessage(`"0.1.0"`),
		},
		Variables: map[string]LockedVariable{
			"api_key": {Secret: true},
			"region":  {Default: strptr("eu-west-1")},
		},
		Components: []Component{
			{
				ID:     "api",
				Source: ContentRef{ContentType: "application/wasm", Digest: "sha256:" + strings.Repeat("ab", 32)},
				Config: map[string]string{"key": "{{ api_key }}", "zone": "{{ region }}-a"},
				Metadata: map[string]json.RawMessage{
					"key_value_stores": json.RawMessage(`["default"]`),
				},
			},
			{
				ID:     "worker",
				Source: ContentRef{Inline: []byte{0, 'a', 's', 'm'}},
			},
		},
		Triggers: []Trigger{
			{ID: "api-http", Type: "http", ComponentID: "api", Config: json.RawMessage(`{"route":"/api/..."}`)},
			{ID: "worker-redis", Type: "redis", ComponentID: "worker", Config: json.RawMessage(`{"channel":"jobs"}`)},
		},
	}
}

func strptr(s string) *string { return &s }

func TestFromLocked(t *testing.T) {
	a, err := FromLocked(testLocked())
	if err != nil {
		t.Fatal(err)
	}

	if got := len(a.Components()); got != 2 {
		t.Fatalf("len(Components) = %d, want 2", got)
	}
	if c := a.Component("api"); c == nil || c.ID != "api" {
		t.Errorf("Component(api) = %v", c)
	}
	if c := a.Component("missing"); c != nil {
		t.Errorf("Component(missing) = %v, want nil", c)
	}

	httpTriggers := a.TriggersOfType("http")
	if len(httpTriggers) != 1 || httpTriggers[0].ID != "api-http" {
		t.Errorf("TriggersOfType(http) = %v", httpTriggers)
	}
	if c := a.TriggerComponent(httpTriggers[0]); c.ID != "api" {
		t.Errorf("TriggerComponent = %v", c)
	}
}

func TestFromLockedInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LockedApp)
		substr string
	}{
		{
			name: "duplicate component id",
			mutate: func(l *LockedApp) {
				l.Components = append(l.Components, l.Components[0])
			},
			substr: "duplicate component id",
		},
		{
			name: "trigger references unknown component",
			mutate: func(l *LockedApp) {
				l.Triggers[0].ComponentID = "ghost"
			},
			substr: "unknown component",
		},
		{
			name: "config references undefined variable",
			mutate: func(l *LockedApp) {
				l.Components[0].Config["bad"] = "{{ nope }}"
			},
			substr: "undefined variable",
		},
		{
			name: "unmatched template braces",
			mutate: func(l *LockedApp) {
				l.Components[0].Config["bad"] = "{{ oops"
			},
			substr: "unmatched",
		},
		{
			name: "bad digest scheme",
			mutate: func(l *LockedApp) {
				l.Components[0].Source.Digest = "md5:abc"
			},
			substr: "unsupported digest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locked := testLocked()
			tt.mutate(locked)
			_, err := FromLocked(locked)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error %q does not contain %q", err, tt.substr)
			}
		})
	}
}

func TestGetMetadata(t *testing.T) {
	a, err := FromLocked(testLocked())
	if err != nil {
		t.Fatal(err)
	}
	api := a.Component("api")

	stores, err := GetMetadata[[]string](api, "key_value_stores")
	if err != nil {
		t.Fatal(err)
	}
	if stores == nil || len(*stores) != 1 || (*stores)[0] != "default" {
		t.Errorf("GetMetadata(key_value_stores) = %v", stores)
	}

	absent, err := GetMetadata[[]string](api, "databases")
	if err != nil {
		t.Fatal(err)
	}
	if absent != nil {
		t.Errorf("absent key should return nil, got %v", absent)
	}

	if _, err := GetMetadata[int](api, "key_value_stores"); err == nil {
		t.Error("malformed metadata should return an error")
	}
}

func TestLockedRoundTrip(t *testing.T) {
	a, err := FromLocked(testLocked())
	if err != nil {
		t.Fatal(err)
	}

	first, err := a.MarshalLocked()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := UnmarshalLocked(first)
	if err != nil {
		t.Fatal(err)
	}
	second, err := decoded.MarshalLocked()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("locked round trip not byte-identical:\n%s\n%s", first, second)
	}
}
