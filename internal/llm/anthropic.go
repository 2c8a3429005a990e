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

const anthropicVersion = "2023-06-01"

// AnthropicClient talks to the Claude messages API. It is usually
// configured as a fallback behind a local model.
type AnthropicClient struct {
	config    config.ProviderConfig
	maxTokens int
	client    *http.Client
	logger    *zap.Logger
}

// NewAnthropicClient creates a client for one configured provider.
func NewAnthropicClient(cfg config.ProviderConfig, maxTokens int, logger *zap.Logger) *AnthropicClient {
	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		config:    cfg,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Name returns the provider ID, falling back to the model name.
func (c *AnthropicClient) Name() string {
	if c.config.ID != "" {
		return c.config.ID
	}
	return c.config.Model
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// convert moves system messages into the top-level system field and
// merges consecutive messages of the same role, which the API rejects.
func (c *AnthropicClient) convert(messages []Message) *anthropicRequest {
	ar := &anthropicRequest{Model: c.config.Model, MaxTokens: c.maxTokens}
	var system []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if n := len(ar.Messages); n > 0 && ar.Messages[n-1].Role == m.Role {
			ar.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		ar.Messages = append(ar.Messages, m)
	}
	ar.System = strings.Join(system, "\n\n")
	return ar
}

// Complete sends a non-streaming messages request.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(c.convert(messages))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

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

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from provider")
	}

	c.logger.Debug("model completion",
		zap.String("provider", c.Name()),
		zap.String("model", out.Model),
		zap.String("finish", out.StopReason),
		zap.Int("prompt_tokens", out.Usage.InputTokens),
		zap.Int("completion_tokens", out.Usage.OutputTokens),
		zap.Duration("took", time.Since(start)))
	return text.String(), nil
}
