// Package completion generates assistant replies for the local run engine.
//
// Defines a Provider interface with OpenAI, Ollama, and Echo implementations.
// The interface allows swapping reply generators without changing the engine.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Provider turns a conversation transcript into the next assistant reply.
type Provider interface {
	// Complete returns the assistant reply for the given ordered transcript.
	Complete(ctx context.Context, agent model.Agent, transcript []model.Message) (string, error)

	// Name identifies the provider for logs and the /config endpoint.
	Name() string
}

// OpenAIProvider generates replies through the OpenAI chat completions API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey, chatModel string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      chatModel,
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Name identifies the provider.
func (p *OpenAIProvider) Name() string { return "openai" }

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the transcript as a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, agent model.Agent, transcript []model.Message) (string, error) {
	msgs := make([]openAIChatMessage, 0, len(transcript)+1)
	msgs = append(msgs, openAIChatMessage{
		Role:    "system",
		Content: fmt.Sprintf("You are %s, a helpful assistant.", agent.Name),
	})
	for _, m := range transcript {
		msgs = append(msgs, openAIChatMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody, err := json.Marshal(openAIChatRequest{Model: p.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("completion: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("completion: read response: %w", err)
	}

	var result openAIChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("completion: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("completion: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("completion: empty choices in response")
	}
	return result.Choices[0].Message.Content, nil
}

// EchoProvider replies with the last user message. Used in dev mode when no
// real provider is configured, and in tests.
type EchoProvider struct{}

// NewEchoProvider creates the echo provider.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

// Name identifies the provider.
func (EchoProvider) Name() string { return "echo" }

// Complete echoes the newest user message in the transcript.
func (EchoProvider) Complete(_ context.Context, _ model.Agent, transcript []model.Message) (string, error) {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == model.RoleUser {
			return "You said: " + transcript[i].Content, nil
		}
	}
	return "", fmt.Errorf("completion: transcript has no user message")
}
