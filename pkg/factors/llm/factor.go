// Package llm exposes inference to guests, gated by a per-component model
// allow-list. The engine backing inference comes from runtime configuration;
// without configuration a deterministic local engine serves requests.
package llm

import (
	"context"
	"fmt"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/llm"
)

// FactorName is the registry name of the llm factor.
const FactorName = "llm"

// AllowedModelsKey is the component metadata key listing permitted models.
const AllowedModelsKey = "ai_models"

// Factor is the llm capability factor.
type Factor struct{}

// computeConfig is the [llm_compute] runtime config table.
type computeConfig struct {
	Type      string `toml:"type"`
	URL       string `toml:"url"`
	AuthToken string `toml:"auth_token"`
}

type appState struct {
	engine  llm.Engine
	allowed map[string]map[string]bool
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor.
func (f *Factor) Init(ctx context.Context, ic factors.InitContext) error {
	return ic.Engine.RegisterHostModule(ctx, hostModule, registerHost)
}

// ConfigureApp implements factors.Factor.
func (f *Factor) ConfigureApp(_ context.Context, cc factors.ConfigureContext) (factors.AppState, error) {
	cfg, err := factors.ConsumeRuntimeConfig[computeConfig](cc.RuntimeConfig, "llm_compute")
	if err != nil {
		return nil, err
	}

	var engine llm.Engine
	switch {
	case cfg == nil || cfg.Type == "" || cfg.Type == "local":
		engine = llm.NewLocalEngine()
	case cfg.Type == "remote_http":
		if cfg.URL == "" {
			return nil, factors.NewConfigError("llm_compute: url is required for remote_http", nil)
		}
		engine = llm.NewRemoteEngine(cfg.URL, cfg.AuthToken)
	default:
		return nil, factors.NewConfigError(fmt.Sprintf("llm_compute: unknown type %q", cfg.Type), nil)
	}

	allowed := make(map[string]map[string]bool)
	for _, component := range cc.App.Components() {
		models, err := app.GetMetadata[[]string](&component, AllowedModelsKey)
		if err != nil {
			return nil, factors.NewConfigError(
				fmt.Sprintf("component %q: malformed %s", component.ID, AllowedModelsKey), err)
		}
		set := make(map[string]bool)
		if models != nil {
			for _, model := range *models {
				set[model] = true
			}
		}
		allowed[component.ID] = set
	}

	return &appState{engine: engine, allowed: allowed}, nil
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	state := pc.AppState.(*appState)
	return &Builder{engine: state.engine, allowed: state.allowed[pc.Component.ID]}, nil
}

// Builder assembles the per-instance llm state.
type Builder struct {
	engine  llm.Engine
	allowed map[string]bool
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{engine: b.engine, allowed: b.allowed}, nil
}

// Instance is the per-event llm state.
type Instance struct {
	engine  llm.Engine
	allowed map[string]bool
}

// Infer checks the model allow-list and runs a completion.
func (i *Instance) Infer(ctx context.Context, model, prompt string, params llm.InferenceParams) (*llm.InferenceResponse, error) {
	if !i.allowed[model] {
		return nil, &llmError{code: codeModelNotAllowed, detail: model}
	}
	resp, err := i.engine.Infer(ctx, model, prompt, params)
	if err != nil {
		return nil, &llmError{code: codeRuntimeError, detail: err.Error()}
	}
	return resp, nil
}

// GenerateEmbeddings checks the model allow-list and embeds texts.
func (i *Instance) GenerateEmbeddings(ctx context.Context, model string, texts []string) (*llm.EmbeddingsResponse, error) {
	if !i.allowed[model] {
		return nil, &llmError{code: codeModelNotAllowed, detail: model}
	}
	resp, err := i.engine.GenerateEmbeddings(ctx, model, texts)
	if err != nil {
		return nil, &llmError{code: codeRuntimeError, detail: err.Error()}
	}
	return resp, nil
}

func instanceFromContext(ctx context.Context) (*Instance, error) {
	state := factors.InstanceFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("no instance in context")
	}
	return factors.GetSlice[*Instance](state, FactorName)
}
