package llm

import (
	"context"
	"fmt"
	"strings"
)

// LocalEngine is the development fallback: deterministic output, no network.
// Completions echo the prompt; embeddings hash each text into a small fixed
// vector. Useful for tests and offline runs, useless for actual inference.
type LocalEngine struct{}

// NewLocalEngine creates the echo engine.
func NewLocalEngine() *LocalEngine { return &LocalEngine{} }

// Infer implements Engine.
func (e *LocalEngine) Infer(_ context.Context, model, prompt string, params InferenceParams) (*InferenceResponse, error) {
	text := fmt.Sprintf("[%s] %s", model, prompt)
	if params.MaxTokens > 0 && int(params.MaxTokens) < len(text) {
		text = text[:params.MaxTokens]
	}
	return &InferenceResponse{
		Text: text,
		Usage: Usage{
			PromptTokens:    uint32(len(strings.Fields(prompt))),
			GeneratedTokens: uint32(len(strings.Fields(text))),
		},
	}, nil
}

// GenerateEmbeddings implements Engine.
func (e *LocalEngine) GenerateEmbeddings(_ context.Context, _ string, texts []string) (*EmbeddingsResponse, error) {
	embeddings := make([][]float32, len(texts))
	var promptTokens uint32
	for i, text := range texts {
		vec := make([]float32, 8)
		for j, r := range text {
			vec[j%8] += float32(r) / 1000
		}
		embeddings[i] = vec
		promptTokens += uint32(len(strings.Fields(text)))
	}
	return &EmbeddingsResponse{
		Embeddings: embeddings,
		Usage:      Usage{PromptTokens: promptTokens},
	}, nil
}
