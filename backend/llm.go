package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// llmMessage — один ход диалога в формате chat-completions API.
type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// llmClient — клиент локальной ЛЛМ-модели (OpenAI-совместимый API).
type llmClient struct {
	apiURL string
	client *http.Client
}

type chatCompletionRequest struct {
	Model       string       `json:"model"`
	Messages    []llmMessage `json:"messages"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type chatCompletionChoice struct {
	Index        int        `json:"index"`
	Message      llmMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   map[string]int         `json:"usage"`
}

// newLLMClient создает клиента, если задан LLM_API_URL; иначе nil —
// автоответчик работает на заготовленных репликах.
func newLLMClient() *llmClient {
	apiURL := os.Getenv("LLM_API_URL")
	if apiURL == "" {
		return nil
	}

	timeout := 30 * time.Second
	if t := os.Getenv("LLM_API_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &llmClient{
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
	}
}

// generateResponse отправляет историю диалога в LLM API и возвращает
// текст первого варианта ответа.
func (c *llmClient) generateResponse(ctx context.Context, history []llmMessage) (string, error) {
	reqBody := chatCompletionRequest{
		Model:       env("LLM_MODEL", "gemma"),
		Messages:    history,
		Temperature: 0.7,
		MaxTokens:   1000,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/chat/completions", c.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("LLM API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("LLM API returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
