package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/llm"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

func testInstance(t *testing.T, models []string, runtimeConfig string) *Instance {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(models)
	if err != nil {
		t.Fatal(err)
	}
	a, err := app.FromLocked(&app.LockedApp{
		Components: []app.Component{{
			ID:       "api",
			Source:   app.ContentRef{Digest: "sha256:" + strings.Repeat("ef", 32)},
			Metadata: map[string]json.RawMessage{AllowedModelsKey: raw},
		}},
		Triggers: []app.Trigger{
			{ID: "t", Type: "http", ComponentID: "api", Config: json.RawMessage(`{}`)},
		},
	})
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
	if err != nil {
		t.Fatal(err)
	}
	builder, err := f.Prepare(context.Background(), factors.PrepareContext{
		App: a, Component: a.Component("api"), AppState: state, InstanceID: "i", Logger: logger,
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

func TestInferEnforcesModelAllowList(t *testing.T) {
	inst := testInstance(t, []string{"llama2-chat"}, "")

	if _, err := inst.Infer(context.Background(), "llama2-chat", "hi", llm.DefaultParams()); err != nil {
		t.Errorf("allowed model: %v", err)
	}

	_, err := inst.Infer(context.Background(), "gpt-x", "hi", llm.DefaultParams())
	le, ok := err.(*llmError)
	if !ok || le.code != codeModelNotAllowed {
		t.Errorf("unlisted model: got %v, want model-not-allowed", err)
	}
}

func TestGenerateEmbeddingsLocalEngine(t *testing.T) {
	inst := testInstance(t, []string{"all-minilm-l6-v2"}, "")

	resp, err := inst.GenerateEmbeddings(context.Background(), "all-minilm-l6-v2", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Embeddings) != 2 {
		t.Errorf("got %d embeddings, want 2", len(resp.Embeddings))
	}
}

func TestRemoteEngineConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/infer" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(llm.InferenceResponse{Text: "remote says hi"})
	}))
	defer server.Close()

	cfg := "[llm_compute]\ntype = \"remote_http\"\nurl = \"" + server.URL + "\"\nauth_token = \"sekrit\"\n"
	inst := testInstance(t, []string{"llama2-chat"}, cfg)

	resp, err := inst.Infer(context.Background(), "llama2-chat", "hi", llm.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "remote says hi" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestUnknownComputeTypeFailsConfigure(t *testing.T) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	a, err := app.FromLocked(&app.LockedApp{
		Components: []app.Component{{
			ID:     "api",
			Source: app.ContentRef{Digest: "sha256:" + strings.Repeat("ef", 32)},
		}},
		Triggers: []app.Trigger{
			{ID: "t", Type: "http", ComponentID: "api", Config: json.RawMessage(`{}`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := factors.NewRuntimeConfigTracker([]byte("[llm_compute]\ntype = \"gpu_farm\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = (&Factor{}).ConfigureApp(context.Background(), factors.ConfigureContext{
		App: a, RuntimeConfig: tracker, Logger: logger,
	})
	if err == nil {
		t.Fatal("unknown compute type accepted")
	}
}
