package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/config"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint,
// such as a local llama.cpp or Ollama server.
type OpenAIClient struct {
	config    config.ProviderConfig
	maxTokens int
	client    *http.Client
	logger    *zap.Logger
}

// NewOpenAIClient creates a client for one configured provider.
func NewOpenAIClient(cfg config.ProviderConfig, maxTokens int, logger *zap.Logger) *OpenAIClient {
	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &OpenAIClient{
		config:    cfg,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Name returns the provider ID, falling back to the model name.
func (c *OpenAIClient) Name() string {
	if c.config.ID != "" {
		return c.config.ID
	}
	return c.config.Model
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a non-streaming chat request asking for a JSON object.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.config.Model,
		Messages:       messages,
		MaxTokens:      c.maxTokens,
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response from provider")
	}

	c.logger.Debug("model completion",
		zap.String("provider", c.Name()),
		zap.String("model", out.Model),
		zap.String("finish", out.Choices[0].FinishReason),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("took", time.Since(start)))
	return out.Choices[0].Message.Content, nil
}

// HealthCheck verifies the endpoint is reachable by listing models.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"/models", nil)
	if err != nil {
		return err
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// FromConfig builds the configured model chain.
func FromConfig(cfg config.ModelConfig, logger *zap.Logger) *Chain {
	models := make([]Model, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Type {
		case "anthropic":
			models = append(models, NewAnthropicClient(p, cfg.MaxTokens, logger))
		default:
			models = append(models, NewOpenAIClient(p, cfg.MaxTokens, logger))
		}
	}
	return NewChain(logger, models...)
}
