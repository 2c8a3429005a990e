// Package mcp is a minimal Model Context Protocol client over SSE. Grace
// uses it to expose tools from external MCP servers as tool operations.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultRPCTimeout bounds a single JSON-RPC round trip.
const DefaultRPCTimeout = 30 * time.Second

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

type reply struct {
	result json.RawMessage
	err    error
}

// Client connects to one MCP server, discovers its tools and calls them
// via JSON-RPC. Responses arrive on the SSE stream.
type Client struct {
	name       string
	sseURL     string
	rpcURL     string
	http       *http.Client
	rpcTimeout time.Duration

	mu      sync.Mutex
	tools   []ToolInfo
	pending map[int64]chan reply
	stream  io.Closer
	closed  bool

	nextID atomic.Int64
	logger *zap.Logger
}

// NewClient creates a client for the SSE endpoint at sseURL.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:       name,
		sseURL:     sseURL,
		http:       &http.Client{},
		rpcTimeout: DefaultRPCTimeout,
		pending:    make(map[int64]chan reply),
		logger:     logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the tools discovered at connect time.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolInfo, len(c.tools))
	copy(out, c.tools)
	return out
}

// Connect opens the SSE stream, learns the JSON-RPC endpoint from the
// first "endpoint" event and lists the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	// The stream outlives ctx; it is torn down by Close.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, c.sseURL, nil)
	if err != nil {
		return fmt.Errorf("mcp connect %s: %w", c.name, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mcp connect %s: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("mcp connect %s: status %d", c.name, resp.StatusCode)
	}

	events := newEventReader(resp.Body)
	endpoint, err := events.waitFor("endpoint")
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("mcp connect %s: %w", c.name, err)
	}
	rpcURL, err := resolve(c.sseURL, endpoint)
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("mcp connect %s: %w", c.name, err)
	}
	c.rpcURL = rpcURL

	c.mu.Lock()
	c.stream = resp.Body
	c.mu.Unlock()
	go c.readLoop(events)

	c.logger.Info("mcp endpoint discovered", zap.String("server", c.name), zap.String("rpc", c.rpcURL))

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools %s: %w", c.name, err)
	}
	var list struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		c.Close()
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	c.logger.Info("mcp tools discovered", zap.String("server", c.name), zap.Int("count", len(list.Tools)))
	return nil
}

// CallTool invokes a tool and returns its text content. A result flagged
// isError is returned as an error carrying the server's text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Content) == 0 {
		return string(raw), nil
	}
	var parts []string
	for _, p := range res.Content {
		if p.Type == "text" || p.Type == "" {
			parts = append(parts, p.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp tool %s: %s", name, text)
	}
	return text, nil
}

// Close tears down the SSE stream and fails any waiting calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- reply{err: fmt.Errorf("mcp client %s closed", c.name)}
		delete(c.pending, id)
	}
	if c.stream != nil {
		return c.stream.Close()
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp client %s closed", c.name)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	body, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{"2.0", id, method, params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("send rpc: status %d", resp.StatusCode)
	}

	timer := time.NewTimer(c.rpcTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(events *eventReader) {
	for {
		ev, data, err := events.next()
		if err != nil {
			c.logger.Debug("mcp stream ended", zap.String("server", c.name), zap.Error(err))
			return
		}
		if ev != "message" {
			continue
		}
		var env struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			c.logger.Debug("mcp: ignoring non-jsonrpc event", zap.String("server", c.name))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		if env.Error != nil {
			ch <- reply{err: env.Error}
		} else {
			ch <- reply{result: env.Result}
		}
	}
}

// eventReader splits an SSE stream into (event, data) pairs.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &eventReader{scanner: s}
}

func (e *eventReader) next() (string, string, error) {
	event := "message"
	var data []string
	for e.scanner.Scan() {
		line := e.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return event, strings.Join(data, "\n"), nil
			}
			event = "message"
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := e.scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}

func (e *eventReader) waitFor(event string) (string, error) {
	for {
		ev, data, err := e.next()
		if err != nil {
			return "", fmt.Errorf("stream ended without %s event: %w", event, err)
		}
		if ev == event {
			return data, nil
		}
	}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
