package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteEngine delegates inference to an HTTP service speaking the agent
// protocol: POST /infer and POST /embed with a bearer token.
type RemoteEngine struct {
	url       string
	authToken string
	client    *http.Client
}

// NewRemoteEngine creates an engine for the service at url.
func NewRemoteEngine(url, authToken string) *RemoteEngine {
	return &RemoteEngine{
		url:       url,
		authToken: authToken,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

type remoteInferRequest struct {
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	Params InferenceParams `json:"params"`
}

type remoteEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Infer implements Engine.
func (e *RemoteEngine) Infer(ctx context.Context, model, prompt string, params InferenceParams) (*InferenceResponse, error) {
	var out InferenceResponse
	err := e.post(ctx, "/infer", remoteInferRequest{Model: model, Prompt: prompt, Params: params}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateEmbeddings implements Engine.
func (e *RemoteEngine) GenerateEmbeddings(ctx context.Context, model string, texts []string) (*EmbeddingsResponse, error) {
	var out EmbeddingsResponse
	err := e.post(ctx, "/embed", remoteEmbedRequest{Model: model, Input: texts}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *RemoteEngine) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llm: create request: %w", err)
	}
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm: service returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llm: decode response: %w", err)
	}
	return nil
}
