// Package llm is the model boundary: an OpenAI-compatible chat client, a
// fallback chain across endpoints, and the prompt composer.
package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model produces the raw structured output for a prompt.
type Model interface {
	Name() string
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Chain tries each model in order until one answers.
type Chain struct {
	models []Model
	logger *zap.Logger
}

// NewChain creates a fallback chain. The first model is the primary.
func NewChain(logger *zap.Logger, models ...Model) *Chain {
	return &Chain{models: models, logger: logger}
}

// Name returns the primary model's name.
func (c *Chain) Name() string {
	if len(c.models) == 0 {
		return "none"
	}
	return c.models[0].Name()
}

// Complete returns the first successful completion.
func (c *Chain) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(c.models) == 0 {
		return "", fmt.Errorf("no model configured")
	}
	var err error
	for i, m := range c.models {
		var out string
		out, err = m.Complete(ctx, messages)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if i == 0 {
			c.logger.Warn("primary model failed, trying fallbacks", zap.String("model", m.Name()), zap.Error(err))
		} else {
			c.logger.Warn("fallback model failed", zap.String("model", m.Name()), zap.Error(err))
		}
	}
	return "", fmt.Errorf("all models failed: %w", err)
}
