package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// client is a thin JSON client for the Grace REST API.
type client struct {
	base string
	http http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.http.Timeout == 0 {
		c.http.Timeout = 120 * time.Second
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(data))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type sessionInfo struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Utterances int       `json:"utterances"`
	Queued     int       `json:"queued_writes"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type commandResult struct {
	CommandID   string `json:"command_id"`
	Target      string `json:"target"`
	Status      string `json:"status"`
	ErrorDetail string `json:"error_detail"`
}

type reply struct {
	Text        string          `json:"text"`
	Turns       int             `json:"turns"`
	Results     []commandResult `json:"results"`
	Fallback    bool            `json:"fallback"`
	Interrupted bool            `json:"interrupted"`
	Warnings    []string        `json:"warnings"`
	Errors      []string        `json:"errors"`
}

type memoryRecord struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	Body      string    `json:"body"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

type bundle struct {
	Items []struct {
		Tier      string        `json:"tier"`
		MatchKind string        `json:"match_kind"`
		Record    *memoryRecord `json:"record"`
	} `json:"items"`
	Partial bool `json:"partial"`
}

func (c *client) openSession(ctx context.Context) (*sessionInfo, error) {
	var info sessionInfo
	if err := c.do(ctx, http.MethodPost, "/api/sessions", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *client) closeSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+id, nil, nil, nil)
}

func (c *client) say(ctx context.Context, id, text string) (*reply, error) {
	var r reply
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/utterances", nil, map[string]string{"text": text}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
