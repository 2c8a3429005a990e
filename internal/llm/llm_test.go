package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/config"
	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/record"
)

func TestOpenAIClientComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"x","model":"m","choices":[{"message":{"role":"assistant","content":"{\"response_text\":\"hi\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{ID: "local", Endpoint: srv.URL + "/v1/", APIKey: "k", Model: "m"}, 256, zap.NewNop())
	out, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, `{"response_text":"hi"}`, out)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Equal(t, "local", c.Name())
}

func TestOpenAIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if strings.Contains(r.Header.Get("Authorization"), "empty") {
			w.Write([]byte(`{"choices":[]}`))
			return
		}
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{Endpoint: srv.URL, Model: "m"}, 0, zap.NewNop())
	_, err := c.Complete(context.Background(), nil)
	assert.ErrorContains(t, err, "API error 500")
	assert.Error(t, c.HealthCheck(context.Background()))

	c = NewOpenAIClient(config.ProviderConfig{Endpoint: srv.URL, APIKey: "empty", Model: "m"}, 0, zap.NewNop())
	_, err = c.Complete(context.Background(), nil)
	assert.ErrorContains(t, err, "empty response")
}

func TestAnthropicClientComplete(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"msg","model":"claude","stop_reason":"end_turn","content":[{"type":"text","text":"{\"response_text\":"},{"type":"text","text":"\"hi\"}"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(config.ProviderConfig{ID: "claude", Type: "anthropic", Endpoint: srv.URL + "/v1", APIKey: "k", Model: "claude"}, 0, zap.NewNop())
	out, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "contract"},
		{Role: RoleSystem, Content: "memory"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleUser, Content: "results"},
		{Role: RoleAssistant, Content: "{}"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"response_text":"hi"}`, out)
	assert.Equal(t, "contract\n\nmemory", got.System)
	assert.Equal(t, 4096, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, Message{Role: RoleUser, Content: "hello\n\nresults"}, got.Messages[0])
}

func TestFromConfigSelectsProviderType(t *testing.T) {
	chain := FromConfig(config.ModelConfig{Providers: []config.ProviderConfig{
		{ID: "local", Model: "qwen"},
		{ID: "claude", Type: "anthropic", Model: "claude"},
	}}, zap.NewNop())
	require.Len(t, chain.models, 2)
	assert.IsType(t, &OpenAIClient{}, chain.models[0])
	assert.IsType(t, &AnthropicClient{}, chain.models[1])
}

type stubModel struct {
	name  string
	out   string
	err   error
	calls int
}

func (s *stubModel) Name() string { return s.name }

func (s *stubModel) Complete(context.Context, []Message) (string, error) {
	s.calls++
	return s.out, s.err
}

func TestChainFallsBack(t *testing.T) {
	primary := &stubModel{name: "primary", err: errors.New("down")}
	backup := &stubModel{name: "backup", out: "ok"}
	c := NewChain(zap.NewNop(), primary, backup)

	out, err := c.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, "primary", c.Name())

	backup.err = errors.New("also down")
	_, err = c.Complete(context.Background(), nil)
	assert.ErrorContains(t, err, "all models failed: also down")

	_, err = NewChain(zap.NewNop()).Complete(context.Background(), nil)
	assert.Error(t, err)
}

func TestComposer(t *testing.T) {
	c := NewComposer("", func() string { return "- echo: Return the given text unchanged (args: text)\n" }, nil)
	c.now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }

	bundle := &memrouter.Bundle{Items: []memrouter.Item{{
		Tier:   record.TierContextual,
		Record: &record.Record{Category: record.CategoryPreference, Body: "likes jazz", CreatedAt: time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC)},
	}}}
	history := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}

	msgs := c.First(history, "play something", bundle)
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[0].Content, "## Available Tools\n- echo")
	assert.Contains(t, msgs[0].Content, "Current time: Sunday, 2026-10-18 09:30 UTC")
	assert.Contains(t, msgs[1].Content, "likes jazz")
	assert.Equal(t, Message{Role: RoleUser, Content: "play something"}, msgs[4])

	msgs = c.First(nil, "hi", nil)
	assert.Len(t, msgs, 2)

	follow := c.FollowUp(msgs, `{"commands":[]}`, []command.Result{
		{CommandID: "c1", Target: command.TargetTool, Status: command.StatusSuccess, Data: map[string]string{"time": "09:30"}},
		{CommandID: "c2", Target: command.TargetMessageBus, Status: command.StatusSuccess, Accepted: true},
		{CommandID: "c3", Target: command.TargetIntentHandler, Status: command.StatusTimeout, ErrorDetail: "timed out after 1s"},
	}, nil)
	require.Len(t, follow, 4)
	assert.Equal(t, RoleAssistant, follow[2].Role)
	last := follow[3].Content
	assert.Contains(t, last, `- c1 (tool): success, data: {"time":"09:30"}`)
	assert.Contains(t, last, "- c2 (message_bus): success, accepted")
	assert.Contains(t, last, "- c3 (intent_handler): timeout, error: timed out after 1s")
}

func TestComposerAdvertisesRegisteredTargets(t *testing.T) {
	c := NewComposer("", nil, nil)
	assert.Contains(t, c.System(), `"target": "intent_handler | message_bus | tool"`)

	c.WithTargets(func() []command.Target { return []command.Target{command.TargetIntentHandler, command.TargetTool} })
	sys := c.System()
	assert.Contains(t, sys, `"target": "intent_handler | tool"`)
	assert.NotContains(t, sys, "message_bus")

	c.WithTargets(func() []command.Target { return nil })
	sys = c.System()
	assert.NotContains(t, sys, `"commands"`)
	assert.NotContains(t, sys, "expects_result")
}
