package factors

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := telemetry.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return tel
}

func testApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.FromLocked(&app.LockedApp{
		Components: []app.Component{
			{ID: "api", Source: app.ContentRef{Digest: "sha256:" + strings.Repeat("ef", 32)}},
		},
		Triggers: []app.Trigger{
			{ID: "t", Type: "http", ComponentID: "api", Config: json.RawMessage(`{}`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

type stubSlice struct {
	name   string
	closed *[]string
}

func (s *stubSlice) Close(context.Context) error {
	*s.closed = append(*s.closed, s.name)
	return nil
}

type stubBuilder struct {
	name   string
	closed *[]string
}

func (b *stubBuilder) Build() (InstanceSlice, error) {
	return &stubSlice{name: b.name, closed: b.closed}, nil
}

// stubFactor consumes one runtime-config table and records the order its
// Prepare and its slice's Close run in.
type stubFactor struct {
	name      string
	configKey string
	peer      string

	prepared *[]string
	closed   *[]string
	sawPeer  bool
}

func (f *stubFactor) Name() string { return f.name }

func (f *stubFactor) Init(context.Context, InitContext) error { return nil }

func (f *stubFactor) ConfigureApp(_ context.Context, cc ConfigureContext) (AppState, error) {
	if f.configKey != "" {
		if _, err := ConsumeRuntimeConfig[map[string]string](cc.RuntimeConfig, f.configKey); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *stubFactor) Prepare(_ context.Context, pc PrepareContext) (InstanceBuilder, error) {
	if f.prepared != nil {
		*f.prepared = append(*f.prepared, f.name)
	}
	if f.peer != "" {
		_, f.sawPeer = pc.Builder(f.peer)
	}
	return &stubBuilder{name: f.name, closed: f.closed}, nil
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(testTelemetry(t), nil,
		&stubFactor{name: "alpha"},
		&stubFactor{name: "alpha"},
	)
	if err == nil {
		t.Fatal("duplicate factor name accepted")
	}
}

func TestConfigureAppRejectsUnusedTables(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(testTelemetry(t), nil, &stubFactor{name: "alpha", configKey: "alpha_config"})
	if err != nil {
		t.Fatal(err)
	}

	err = r.ConfigureApp(ctx, testApp(t), []byte("[beta_config]\nx = \"1\"\n"))
	if err == nil {
		t.Fatal("unconsumed runtime config table accepted")
	}
	if !errors.Is(err, &Error{Class: ClassConfig}) {
		t.Errorf("got %v, want a config-class error", err)
	}
}

func TestConfigureAppConsumesDeclaredTables(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(testTelemetry(t), nil, &stubFactor{name: "alpha", configKey: "alpha_config"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ConfigureApp(ctx, testApp(t), []byte("[alpha_config]\nk = \"v\"\n")); err != nil {
		t.Fatalf("consumed table rejected: %v", err)
	}
}

func TestPrepareAllRequiresConfigure(t *testing.T) {
	r, err := NewRegistry(testTelemetry(t), nil, &stubFactor{name: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.PrepareAll(context.Background(), &app.Component{ID: "api"}); err == nil {
		t.Fatal("prepare before configure accepted")
	}
}

func TestPrepareOrderAndBuilderSharing(t *testing.T) {
	ctx := context.Background()
	var prepared, closed []string
	// alpha asks for beta's builder, which does not exist yet when alpha
	// prepares; beta asks for alpha's, which does.
	alpha := &stubFactor{name: "alpha", peer: "beta", prepared: &prepared, closed: &closed}
	beta := &stubFactor{name: "beta", peer: "alpha", prepared: &prepared, closed: &closed}

	r, err := NewRegistry(testTelemetry(t), nil, alpha, beta)
	if err != nil {
		t.Fatal(err)
	}
	a := testApp(t)
	if err := r.ConfigureApp(ctx, a, nil); err != nil {
		t.Fatal(err)
	}

	state, err := r.PrepareAll(ctx, a.Component("api"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = state.Close(ctx) }()

	if len(prepared) != 2 || prepared[0] != "alpha" || prepared[1] != "beta" {
		t.Errorf("prepare order = %v, want [alpha beta]", prepared)
	}
	if !beta.sawPeer {
		t.Error("later factor could not see the earlier factor's builder")
	}
	if alpha.sawPeer {
		t.Error("earlier factor saw a builder that was not prepared yet")
	}

	slice, err := GetSlice[*stubSlice](state, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if slice.name != "alpha" {
		t.Errorf("slice name = %q", slice.name)
	}
	if _, err := GetSlice[*stubSlice](state, "missing"); err == nil {
		t.Error("slice lookup for an unknown factor succeeded")
	}
}

func TestInstanceStateClosesInReverseOrder(t *testing.T) {
	ctx := context.Background()
	var closed []string
	r, err := NewRegistry(testTelemetry(t), nil,
		&stubFactor{name: "alpha", closed: &closed},
		&stubFactor{name: "beta", closed: &closed},
		&stubFactor{name: "gamma", closed: &closed},
	)
	if err != nil {
		t.Fatal(err)
	}
	a := testApp(t)
	if err := r.ConfigureApp(ctx, a, nil); err != nil {
		t.Fatal(err)
	}
	state, err := r.PrepareAll(ctx, a.Component("api"))
	if err != nil {
		t.Fatal(err)
	}

	if err := state.Close(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{"gamma", "beta", "alpha"}
	if len(closed) != len(want) {
		t.Fatalf("close order = %v, want %v", closed, want)
	}
	for i := range want {
		if closed[i] != want[i] {
			t.Fatalf("close order = %v, want %v", closed, want)
		}
	}

	// Close is idempotent.
	if err := state.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if len(closed) != len(want) {
		t.Errorf("second Close ran teardown again: %v", closed)
	}
}
