package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/llm"
)

const hostModule = "spin_llm"

// Guest-visible error codes.
const (
	codeOK              uint32 = 0
	codeModelNotAllowed uint32 = 1
	codeInvalidInput    uint32 = 2
	codeRuntimeError    uint32 = 3
)

// llmError is a guest-visible inference failure.
type llmError struct {
	code   uint32
	detail string
}

func (e *llmError) Error() string { return fmt.Sprintf("llm error %d: %s", e.code, e.detail) }

func writeLLMError(ctx context.Context, mod api.Module, retPtr uint32, err error) {
	if le, ok := err.(*llmError); ok {
		_ = engine.WriteError(ctx, mod, retPtr, le.code, le.detail)
		return
	}
	_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
}

// inferEnvelope is the JSON request guests pass to infer. Params may be
// omitted for defaults.
type inferEnvelope struct {
	Model  string               `json:"model"`
	Prompt string               `json:"prompt"`
	Params *llm.InferenceParams `json:"params,omitempty"`
}

// embedEnvelope is the JSON request for generate_embeddings.
type embedEnvelope struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

func registerHost(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(hostInfer).Export("infer")
	b.NewFunctionBuilder().WithFunc(hostGenerateEmbeddings).Export("generate_embeddings")
}

func hostInfer(ctx context.Context, mod api.Module, reqPtr, reqLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	raw, err := engine.ReadBytes(mod, reqPtr, reqLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	var env inferEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeInvalidInput, "malformed request: "+err.Error())
		return
	}
	if env.Model == "" || env.Prompt == "" {
		_ = engine.WriteError(ctx, mod, retPtr, codeInvalidInput, "model and prompt are required")
		return
	}
	params := llm.DefaultParams()
	if env.Params != nil {
		params = *env.Params
	}

	resp, err := inst.Infer(ctx, env.Model, env.Prompt, params)
	if err != nil {
		writeLLMError(ctx, mod, retPtr, err)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

func hostGenerateEmbeddings(ctx context.Context, mod api.Module, reqPtr, reqLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	raw, err := engine.ReadBytes(mod, reqPtr, reqLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	var env embedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeInvalidInput, "malformed request: "+err.Error())
		return
	}
	if env.Model == "" {
		_ = engine.WriteError(ctx, mod, retPtr, codeInvalidInput, "model is required")
		return
	}

	resp, err := inst.GenerateEmbeddings(ctx, env.Model, env.Texts)
	if err != nil {
		writeLLMError(ctx, mod, retPtr, err)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}
