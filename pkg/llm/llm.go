// Package llm defines the inference engine contract and its two
// implementations: a remote HTTP engine for production and a deterministic
// local engine for development and tests.
package llm

import "context"

// InferenceParams tune one completion request.
type InferenceParams struct {
	MaxTokens         uint32  `json:"max_tokens"`
	Temperature       float32 `json:"temperature"`
	TopK              uint32  `json:"top_k"`
	TopP              float32 `json:"top_p"`
	RepeatPenalty     float32 `json:"repeat_penalty"`
	RepeatPenaltyLast uint32  `json:"repeat_penalty_last_n_token_count"`
}

// DefaultParams mirrors the defaults guests get when they pass none.
func DefaultParams() InferenceParams {
	return InferenceParams{
		MaxTokens:         100,
		Temperature:       0.8,
		TopK:              40,
		TopP:              0.9,
		RepeatPenalty:     1.1,
		RepeatPenaltyLast: 64,
	}
}

// Usage counts tokens consumed by a request.
type Usage struct {
	PromptTokens    uint32 `json:"prompt_token_count"`
	GeneratedTokens uint32 `json:"generated_token_count"`
}

// InferenceResponse is one completion.
type InferenceResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// EmbeddingsResponse carries one vector per input text.
type EmbeddingsResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
}

// Engine executes inference for the llm factor. Implementations must be safe
// for concurrent use; one engine serves every instance of an application.
type Engine interface {
	// Infer generates a completion for prompt with the given model.
	Infer(ctx context.Context, model, prompt string, params InferenceParams) (*InferenceResponse, error)

	// GenerateEmbeddings embeds each text with the given model.
	GenerateEmbeddings(ctx context.Context, model string, texts []string) (*EmbeddingsResponse, error)
}
