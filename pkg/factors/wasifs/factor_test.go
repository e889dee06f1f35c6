package wasifs

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

func testApp(t *testing.T, withFiles bool) *app.App {
	t.Helper()
	component := app.Component{
		ID:     "site",
		Source: app.ContentRef{Digest: "sha256:" + strings.Repeat("cd", 32)},
		Env:    map[string]string{"B_KEY": "2", "A_KEY": "1"},
	}
	if withFiles {
		component.Files = []app.MountedFile{{
			Content:   app.ContentRef{Digest: "sha256:" + strings.Repeat("ee", 32)},
			GuestPath: "index.html",
		}}
	}
	a, err := app.FromLocked(&app.LockedApp{
		Components: []app.Component{component},
		Triggers: []app.Trigger{
			{ID: "t", Type: "http", ComponentID: "site", Config: json.RawMessage(`{}`)},
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

func TestConfigureAppRequiresStagedAssets(t *testing.T) {
	f := &Factor{AssetsRoot: filepath.Join(t.TempDir(), "missing")}
	_, err := f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App: testApp(t, true), Logger: testLogger(t),
	})
	if err == nil {
		t.Fatal("missing assets dir accepted")
	}
}

func TestConfigureAppNoFilesNeedsNoAssets(t *testing.T) {
	f := &Factor{}
	_, err := f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App: testApp(t, false), Logger: testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInstanceMountAndEnv(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "site")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &Factor{AssetsRoot: root}
	a := testApp(t, true)
	state, err := f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App: a, Logger: testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	builder, err := f.Prepare(context.Background(), factors.PrepareContext{
		App: a, Component: a.Component("site"), AppState: state, InstanceID: "i", Logger: testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	slice, err := builder.Build()
	if err != nil {
		t.Fatal(err)
	}
	inst := slice.(*Instance)

	if inst.MountDir() != dir {
		t.Errorf("mount dir = %q, want %q", inst.MountDir(), dir)
	}
	if got := inst.Env()["A_KEY"]; got != "1" {
		t.Errorf("env A_KEY = %q", got)
	}
	if inst.writable {
		t.Error("mount writable without AllowWrites")
	}
}

func TestAllowWritesPropagates(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "site"), 0o755); err != nil {
		t.Fatal(err)
	}

	f := &Factor{AssetsRoot: root, AllowWrites: true}
	a := testApp(t, true)
	state, err := f.ConfigureApp(context.Background(), factors.ConfigureContext{
		App: a, Logger: testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	builder, err := f.Prepare(context.Background(), factors.PrepareContext{
		App: a, Component: a.Component("site"), AppState: state, InstanceID: "i", Logger: testLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	slice, err := builder.Build()
	if err != nil {
		t.Fatal(err)
	}
	if !slice.(*Instance).writable {
		t.Error("AllowWrites not propagated to the instance")
	}
}

func TestReadOnlyFSReads(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	fsys := NewReadOnlyFS(os.DirFS(dir))

	f, err := fsys.Open("data.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "payload" {
		t.Errorf("content = %q", content)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "data.txt" {
		t.Errorf("entries = %v", entries)
	}
}

func TestReadOnlyFSRejectsInvalidPaths(t *testing.T) {
	fsys := NewReadOnlyFS(os.DirFS(t.TempDir()))
	for _, name := range []string{"../escape", "/abs", ""} {
		if _, err := fsys.Open(name); err == nil {
			t.Errorf("Open(%q) succeeded", name)
		}
	}
}
