package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatPath is the OpenAI-compatible chat completion route the inference
// server exposes.
const ChatPath = "/v1/chat/completions"

// DefaultModel is the model name the server registers its weights under.
const DefaultModel = "medgemma"

// ChatClientConfig configures a chat client.
type ChatClientConfig struct {
	// BaseURL of the inference endpoint. Required.
	BaseURL string

	// Model name sent with each request. Defaults to DefaultModel.
	Model string

	// Client performs the requests. Defaults to a 120 second client;
	// completions on large prompts are slow.
	Client *http.Client

	// Temperature for sampling. Zero is passed through as-is.
	Temperature float64

	// MaxTokens bounds the completion length. Defaults to 1024.
	MaxTokens int
}

// ChatClient sends chat completion requests to the inference endpoint. The
// host reaches this endpoint only through the ingress relay channel.
type ChatClient struct {
	cfg ChatClientConfig
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewChatClient creates a chat client.
func NewChatClient(cfg ChatClientConfig) (*ChatClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("chat client requires a base URL")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	return &ChatClient{cfg: cfg}, nil
}

// Complete sends a single-turn user prompt and returns the first choice's
// content.
func (c *ChatClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+ChatPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("malformed chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat endpoint returned error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("chat response carries no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
