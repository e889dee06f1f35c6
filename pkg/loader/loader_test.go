package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spindle-run/spindle/pkg/telemetry"
)

const testManifest = `
[application]
name = "shop"
version = "0.1.0"

[variables]
greeting = { default = "hello" }
api_key = { required = true, secret = true }

[[trigger.http]]
route = "/api/..."
component = "api"

[[trigger.redis]]
address = "redis://localhost:6379"
channel = "orders"
component = "worker"

[component.api]
source = "api.wasm"
allowed_outbound_hosts = ["https://example.com"]
key_value_stores = ["default"]
files = [{ source = "static/index.html", path = "index.html" }]
environment = { MODE = "prod" }
[component.api.config]
message = "{{ greeting }}"

[component.worker]
source = "worker.wasm"
`

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range map[string]string{
		"spindle.toml":      testManifest,
		"api.wasm":          "\x00asm-api",
		"worker.wasm":       "\x00asm-worker",
		"static/index.html": "<html>",
	} {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadResolvesManifest(t *testing.T) {
	dir := writeTestTree(t)
	work := t.TempDir()
	l := New(work, testLogger(t))

	a, err := l.LoadFile(context.Background(), filepath.Join(dir, "spindle.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if got := len(a.Components()); got != 2 {
		t.Fatalf("got %d components", got)
	}
	api := a.Component("api")
	if api == nil {
		t.Fatal("component api missing")
	}

	sum := sha256.Sum256([]byte("\x00asm-api"))
	wantDigest := "sha256:" + hex.EncodeToString(sum[:])
	if api.Source.Digest != wantDigest {
		t.Errorf("digest = %q, want %q", api.Source.Digest, wantDigest)
	}

	// Wasm bytes land in the content-addressed cache.
	cached := filepath.Join(work, "cache", "sha256", hex.EncodeToString(sum[:]))
	if api.Source.Source != cached {
		t.Errorf("source = %q, want cached %q", api.Source.Source, cached)
	}
	if _, err := os.Stat(cached); err != nil {
		t.Errorf("cache entry missing: %v", err)
	}

	// Files are staged under the component's asset directory.
	staged := filepath.Join(l.AssetsRoot(), "api", "index.html")
	content, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("staged asset: %v", err)
	}
	if string(content) != "<html>" {
		t.Errorf("staged content = %q", content)
	}

	if got := api.Env["MODE"]; got != "prod" {
		t.Errorf("env MODE = %q", got)
	}

	var hosts []string
	if err := json.Unmarshal(api.Metadata["allowed_outbound_hosts"], &hosts); err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 || hosts[0] != "https://example.com" {
		t.Errorf("allowed hosts = %v", hosts)
	}

	triggers := a.Triggers()
	if len(triggers) != 2 {
		t.Fatalf("got %d triggers", len(triggers))
	}
	var httpCfg map[string]string
	if err := json.Unmarshal(triggers[0].Config, &httpCfg); err != nil {
		t.Fatal(err)
	}
	if httpCfg["route"] != "/api/..." || httpCfg["executor"] != "http" {
		t.Errorf("http trigger config = %v", httpCfg)
	}

	variables := a.Variables()
	if v, ok := variables["greeting"]; !ok || v.Default == nil || *v.Default != "hello" {
		t.Errorf("variable greeting = %+v", v)
	}
	if v, ok := variables["api_key"]; !ok || v.Default != nil || !v.Secret {
		t.Errorf("variable api_key = %+v", v)
	}
}

func TestLoadWithoutCacheKeepsOriginalPath(t *testing.T) {
	dir := writeTestTree(t)
	l := New(t.TempDir(), testLogger(t), WithoutCache())

	a, err := l.LoadFile(context.Background(), filepath.Join(dir, "spindle.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Component("api").Source.Source; got != filepath.Join(dir, "api.wasm") {
		t.Errorf("source = %q", got)
	}
}

func TestWasmBytesVerifiesDigest(t *testing.T) {
	dir := writeTestTree(t)
	l := New(t.TempDir(), testLogger(t), WithoutCache())

	a, err := l.LoadFile(context.Background(), filepath.Join(dir, "spindle.toml"))
	if err != nil {
		t.Fatal(err)
	}
	api := a.Component("api")

	data, err := l.WasmBytes(context.Background(), api)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x00asm-api" {
		t.Errorf("bytes = %q", data)
	}

	// Corrupt the file; the declared digest no longer matches.
	if err := os.WriteFile(filepath.Join(dir, "api.wasm"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.WasmBytes(context.Background(), api); err == nil {
		t.Fatal("tampered content accepted")
	}
}

func TestLoadRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.wasm"), []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := `
[application]
name = "x"
[[trigger.http]]
route = "/..."
component = "c"
[component.c]
source = { source = "app.wasm", digest = "sha256:` + "0000000000000000000000000000000000000000000000000000000000000000" + `" }
`
	l := New(t.TempDir(), testLogger(t))
	if _, err := l.Load(context.Background(), []byte(manifest), dir); err == nil {
		t.Fatal("digest mismatch accepted")
	}
}

func TestLoadInlineSource(t *testing.T) {
	manifest := `
[application]
name = "x"
[[trigger.http]]
route = "/..."
component = "c"
[component.c]
source = { inline = "AGFzbQ==" }
`
	l := New(t.TempDir(), testLogger(t))
	a, err := l.Load(context.Background(), []byte(manifest), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data, err := l.WasmBytes(context.Background(), a.Component("c"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x00asm" {
		t.Errorf("inline bytes = %q", data)
	}
}

func TestLoadRejectsBadVariables(t *testing.T) {
	for name, varSection := range map[string]string{
		"both":    `greeting = { default = "x", required = true }`,
		"neither": `greeting = { secret = true }`,
	} {
		t.Run(name, func(t *testing.T) {
			manifest := `
[application]
name = "x"
[variables]
` + varSection + `
[[trigger.http]]
route = "/..."
component = "c"
[component.c]
source = { inline = "AGFzbQ==" }
`
			l := New(t.TempDir(), testLogger(t))
			if _, err := l.Load(context.Background(), []byte(manifest), t.TempDir()); err == nil {
				t.Fatal("invalid variable section accepted")
			}
		})
	}
}

func TestLoadRejectsEscapingGuestPath(t *testing.T) {
	dir := t.TempDir()
	for path, content := range map[string]string{"app.wasm": "\x00asm", "leak.txt": "secret"} {
		if err := os.WriteFile(filepath.Join(dir, path), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	manifest := `
[application]
name = "x"
[[trigger.http]]
route = "/..."
component = "c"
[component.c]
source = "app.wasm"
files = [{ source = "leak.txt", path = "../escape.txt" }]
`
	l := New(t.TempDir(), testLogger(t))
	if _, err := l.Load(context.Background(), []byte(manifest), dir); err == nil {
		t.Fatal("escaping guest path accepted")
	}
}

func TestLoadRejectsUnknownComponentReference(t *testing.T) {
	manifest := `
[application]
name = "x"
[[trigger.http]]
route = "/..."
component = "ghost"
[component.c]
source = { inline = "AGFzbQ==" }
`
	l := New(t.TempDir(), testLogger(t))
	if _, err := l.Load(context.Background(), []byte(manifest), t.TempDir()); err == nil {
		t.Fatal("dangling trigger reference accepted")
	}
}

