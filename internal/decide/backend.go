package decide

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backend is a text-generation service.
type Backend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// perCallTimeout bounds a single completion. A slow backend costs one cycle,
// not the loop.
const perCallTimeout = 60 * time.Second

// OllamaBackend calls a local Ollama chat model.
type OllamaBackend struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// NewOllamaBackend returns a backend for Ollama's /api/chat.
func NewOllamaBackend(baseURL, model string, temperature float64, maxTokens int) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "phi3:mini"
	}
	return &OllamaBackend{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: perCallTimeout + 5*time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func (b *OllamaBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	var out ollamaChatResponse
	err := postJSON(ctx, b.httpClient, b.baseURL+"/api/chat", "", ollamaChatRequest{
		Model:    b.model,
		Messages: messages(system, prompt),
		Options:  ollamaOptions{Temperature: b.temperature, NumPredict: b.maxTokens},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("ollama backend: %w", err)
	}
	return out.Message.Content, nil
}

// OpenAIBackend calls an OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// NewOpenAIBackend returns a chat completions backend. An empty baseURL
// means api.openai.com.
func NewOpenAIBackend(baseURL, apiKey, model string, temperature float64, maxTokens int) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIBackend{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: perCallTimeout + 5*time.Second},
	}
}

type openAIChatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (b *OpenAIBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	var out openAIChatResponse
	err := postJSON(ctx, b.httpClient, b.baseURL+"/chat/completions", b.apiKey, openAIChatRequest{
		Model:       b.model,
		Messages:    messages(system, prompt),
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("openai backend: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai backend: no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

func messages(system, prompt string) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	return append(msgs, chatMessage{Role: "user", Content: prompt})
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, in, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
