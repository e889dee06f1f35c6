package networking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/outbound"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

func testApp(t *testing.T, metadata string) *app.App {
	t.Helper()
	doc := fmt.Sprintf(`{
		"variables": {"api_host": {"default": "api.example.com"}},
		"components": [
			{"id": "api", "source": {"digest": "sha256:%s"}, "metadata": %s}
		],
		"triggers": [{"id": "t", "type": "http", "component": "api", "config": {}}]
	}`, strings.Repeat("ab", 32), metadata)
	a, err := app.UnmarshalLocked([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func configure(t *testing.T, a *app.App, runtimeConfig string) (*Factor, factors.AppState, error) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := factors.NewRuntimeConfigTracker([]byte(runtimeConfig))
	if err != nil {
		t.Fatal(err)
	}
	f := &Factor{}
	state, err := f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App: a, RuntimeConfig: tracker, Logger: logger,
	})
	return f, state, err
}

func instance(t *testing.T, f *Factor, a *app.App, state factors.AppState) *Instance {
	t.Helper()
	builder, err := f.Prepare(context.Background(), factors.PrepareContext{
		App: a, Component: a.Component("api"), AppState: state, InstanceID: "i",
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

func TestConfigureRejectsMalformedLiteralPattern(t *testing.T) {
	a := testApp(t, `{"allowed_outbound_hosts": ["https://example.com/path"]}`)
	_, _, err := configure(t, a, "")
	if err == nil {
		t.Fatal("pattern with path accepted")
	}
}

func TestConfigureRejectsUndefinedVariableReference(t *testing.T) {
	a := testApp(t, `{"allowed_outbound_hosts": ["https://{{ nope }}"]}`)
	_, _, err := configure(t, a, "")
	if err == nil {
		t.Fatal("undefined variable reference accepted")
	}
}

func TestAllowedHostsResolvesTemplates(t *testing.T) {
	a := testApp(t, `{"allowed_outbound_hosts": ["https://{{ api_host }}"]}`)
	f, state, err := configure(t, a, "")
	if err != nil {
		t.Fatal(err)
	}
	inst := instance(t, f, a, state)

	hosts, err := inst.AllowedHosts()
	if err != nil {
		t.Fatal(err)
	}
	u, err := outbound.ParseOutboundURL("https://api.example.com/v1")
	if err != nil {
		t.Fatal(err)
	}
	if !hosts.Allows(u) {
		t.Error("resolved template host not allowed")
	}
}

func TestLegacyAllowedHTTPHosts(t *testing.T) {
	tests := []struct {
		name    string
		meta    string
		url     string
		allowed bool
	}{
		{"bare host gets https", `{"allowed_http_hosts": ["example.com"]}`, "https://example.com/", true},
		{"bare host gets http", `{"allowed_http_hosts": ["example.com"]}`, "http://example.com:8080/", true},
		{"other host denied", `{"allowed_http_hosts": ["example.com"]}`, "https://evil.test/", false},
		{"allow-all", `{"allowed_http_hosts": ["insecure:allow-all"]}`, "https://anything.test/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testApp(t, tt.meta)
			f, state, err := configure(t, a, "")
			if err != nil {
				t.Fatal(err)
			}
			hosts, err := instance(t, f, a, state).AllowedHosts()
			if err != nil {
				t.Fatal(err)
			}
			u, err := outbound.ParseOutboundURL(tt.url)
			if err != nil {
				t.Fatal(err)
			}
			if got := hosts.Allows(u); got != tt.allowed {
				t.Errorf("Allows(%s) = %v, want %v", tt.url, got, tt.allowed)
			}
		})
	}
}

func TestCheckURLDeniesUnlistedDestination(t *testing.T) {
	a := testApp(t, `{"allowed_outbound_hosts": ["https://example.com"]}`)
	f, state, err := configure(t, a, "")
	if err != nil {
		t.Fatal(err)
	}
	inst := instance(t, f, a, state)

	u, err := outbound.ParseOutboundURL("https://evil.test/")
	if err != nil {
		t.Fatal(err)
	}
	cerr := inst.CheckURL(context.Background(), "api", u)
	if !errors.Is(cerr, &factors.Error{Class: factors.ClassAccessDenied}) {
		t.Errorf("got %v, want access-denied", cerr)
	}
}

func TestBlockPrivateNetworksConfig(t *testing.T) {
	a := testApp(t, `{"allowed_outbound_hosts": ["http://10.0.0.8"]}`)
	f, state, err := configure(t, a, "[outbound_networking]\nblock_private_networks = true\n")
	if err != nil {
		t.Fatal(err)
	}
	inst := instance(t, f, a, state)

	u, err := outbound.ParseOutboundURL("http://10.0.0.8/")
	if err != nil {
		t.Fatal(err)
	}
	cerr := inst.CheckURL(context.Background(), "api", u)
	if !errors.Is(cerr, &factors.Error{Class: factors.ClassAccessDenied}) {
		t.Errorf("allow-listed private address must still be blocked, got %v", cerr)
	}
}

func TestAllowedHostsFutureIsShared(t *testing.T) {
	a := testApp(t, `{"allowed_outbound_hosts": ["https://example.com"]}`)
	f, state, err := configure(t, a, "")
	if err != nil {
		t.Fatal(err)
	}
	builder, err := f.Prepare(context.Background(), factors.PrepareContext{
		App: a, Component: a.Component("api"), AppState: state, InstanceID: "i",
	})
	if err != nil {
		t.Fatal(err)
	}
	b := builder.(*Builder)
	future := b.AllowedHostsFuture()

	slice, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	inst := slice.(*Instance)

	fromFuture, err := future()
	if err != nil {
		t.Fatal(err)
	}
	fromInstance, err := inst.AllowedHosts()
	if err != nil {
		t.Fatal(err)
	}
	if fromFuture.Len() != fromInstance.Len() {
		t.Error("builder future and instance must share one resolution")
	}
}
