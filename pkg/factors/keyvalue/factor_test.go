package keyvalue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/kv"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

func testApp(t *testing.T, stores map[string][]string) *app.App {
	t.Helper()
	var components []app.Component
	for _, id := range []string{"api", "worker"} {
		c := app.Component{
			ID:     id,
			Source: app.ContentRef{Digest: "sha256:" + strings.Repeat("ab", 32)},
		}
		if labels, ok := stores[id]; ok {
			raw, err := json.Marshal(labels)
			if err != nil {
				t.Fatal(err)
			}
			c.Metadata = map[string]json.RawMessage{AllowedStoresKey: raw}
		}
		components = append(components, c)
	}
	a, err := app.FromLocked(&app.LockedApp{
		Components: components,
		Triggers: []app.Trigger{
			{ID: "t", Type: "http", ComponentID: "api", Config: json.RawMessage(`{}`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

func configure(t *testing.T, f *Factor, a *app.App, runtimeConfig string) factors.AppState {
	t.Helper()
	tracker, err := factors.NewRuntimeConfigTracker([]byte(runtimeConfig))
	if err != nil {
		t.Fatal(err)
	}
	state, err := f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App:           a,
		RuntimeConfig: tracker,
		Logger:        testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return state
}

func prepare(t *testing.T, f *Factor, a *app.App, state factors.AppState, componentID string) *Instance {
	t.Helper()
	builder, err := f.Prepare(context.Background(), factors.PrepareContext{
		App:        a,
		Component:  a.Component(componentID),
		AppState:   state,
		InstanceID: "test-instance",
		Logger:     testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	slice, err := builder.Build()
	if err != nil {
		t.Fatal(err)
	}
	return slice.(*Instance)
}

func TestOpenStoreEnforcesAllowList(t *testing.T) {
	ctx := context.Background()
	f := &Factor{}
	a := testApp(t, map[string][]string{"api": {"default"}})
	state := configure(t, f, a, "")

	api := prepare(t, f, a, state, "api")
	if _, err := api.OpenStore(ctx, "default"); err != nil {
		t.Errorf("allowed label: %v", err)
	}

	worker := prepare(t, f, a, state, "worker")
	_, err := worker.OpenStore(ctx, "default")
	if !errors.Is(err, &kv.StoreError{Kind: kv.ErrAccessDenied}) {
		t.Errorf("unlisted label: got %v, want access-denied", err)
	}
}

func TestDefaultLabelFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	f := &Factor{}
	a := testApp(t, map[string][]string{"api": {"default"}})
	state := configure(t, f, a, "")

	inst := prepare(t, f, a, state, "api")
	handle, err := inst.OpenStore(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	store, err := inst.Store(handle)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(value) != "v" {
		t.Errorf("Get: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestConfiguredStoreTypes(t *testing.T) {
	f := &Factor{}
	a := testApp(t, map[string][]string{"api": {"cache"}})
	state := configure(t, f, a, "[key_value_store.cache]\ntype = \"memory\"\n")

	inst := prepare(t, f, a, state, "api")
	if _, err := inst.OpenStore(context.Background(), "cache"); err != nil {
		t.Errorf("configured label: %v", err)
	}
}

func TestUnknownStoreTypeFailsConfigure(t *testing.T) {
	f := &Factor{}
	a := testApp(t, nil)
	tracker, err := factors.NewRuntimeConfigTracker([]byte("[key_value_store.cache]\ntype = \"dynamo\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App:           a,
		RuntimeConfig: tracker,
		Logger:        testLogger(t),
	})
	if err == nil {
		t.Fatal("unknown store type accepted")
	}
}

func TestUnknownAllowedLabelFailsConfigure(t *testing.T) {
	f := &Factor{}
	a := testApp(t, map[string][]string{"api": {"missing"}})
	tracker, err := factors.NewRuntimeConfigTracker(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App:           a,
		RuntimeConfig: tracker,
		Logger:        testLogger(t),
	})
	if err == nil {
		t.Fatal("unknown allowed label accepted")
	}
}

func TestStoreTableCapacity(t *testing.T) {
	ctx := context.Background()
	f := &Factor{TableCapacity: 2}
	a := testApp(t, map[string][]string{"api": {"default"}})
	state := configure(t, f, a, "")
	inst := prepare(t, f, a, state, "api")

	h1, err := inst.OpenStore(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inst.OpenStore(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	_, err = inst.OpenStore(ctx, "default")
	if !errors.Is(err, &kv.StoreError{Kind: kv.ErrStoreTableFull}) {
		t.Errorf("third open: got %v, want store-table-full", err)
	}

	// Closing a handle frees capacity.
	if err := inst.CloseStore(h1); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.OpenStore(ctx, "default"); err != nil {
		t.Errorf("open after close: %v", err)
	}
}

func TestClosedHandleIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := &Factor{}
	a := testApp(t, map[string][]string{"api": {"default"}})
	state := configure(t, f, a, "")
	inst := prepare(t, f, a, state, "api")

	handle, err := inst.OpenStore(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.CloseStore(handle); err != nil {
		t.Fatal(err)
	}
	_, err = inst.Store(handle)
	if !errors.Is(err, &kv.StoreError{Kind: kv.ErrInvalidStore}) {
		t.Errorf("use after close: got %v, want invalid-store", err)
	}
	err = inst.CloseStore(handle)
	if !errors.Is(err, &kv.StoreError{Kind: kv.ErrInvalidStore}) {
		t.Errorf("double close: got %v, want invalid-store", err)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		kind kv.ErrorKind
		code uint32
	}{
		{kv.ErrNoSuchStore, codeNoSuchStore},
		{kv.ErrAccessDenied, codeAccessDenied},
		{kv.ErrInvalidStore, codeInvalidStore},
		{kv.ErrStoreTableFull, codeStoreTableFull},
		{kv.ErrNoSuchKey, codeNoSuchKey},
		{kv.ErrIO, codeIO},
	}
	for _, tt := range tests {
		if got := errorCode(&kv.StoreError{Kind: tt.kind}); got != tt.code {
			t.Errorf("errorCode(%s) = %d, want %d", tt.kind, got, tt.code)
		}
	}
	if got := errorCode(errors.New("plain")); got != codeIO {
		t.Errorf("errorCode(plain) = %d, want %d", got, codeIO)
	}
}
