package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu     sync.Mutex
	closed []string
	posted []map[string]interface{}
	query  string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "s1", "state": "awaiting_model_output"})
	})
	mux.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.closed = append(f.closed, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/sessions/{id}/utterances", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"text":  "you said " + req["text"],
			"turns": 1,
			"results": []map[string]string{
				{"command_id": "c1", "target": "tool", "status": "timeout", "error_detail": "no result within 1s"},
			},
		})
	})
	mux.HandleFunc("POST /api/memory", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.posted = append(f.posted, req)
		f.mu.Unlock()
		if req["category"] == "gossip" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": `unclassified memory category "gossip"`})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "r1", "tier": "permanent", "category": req["category"], "body": req["body"]})
	})
	mux.HandleFunc("GET /api/memory", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{{
				"tier":       "permanent",
				"match_kind": "exact",
				"record":     map[string]interface{}{"id": "r1", "category": "config", "tags": []string{"wifi"}, "body": "password is hunter2", "created_at": "2026-10-18T09:30:00Z"},
			}},
			"partial": true,
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func executeCLI(t *testing.T, server string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSayOpensAndClosesSession(t *testing.T) {
	f, ts := newFakeServer(t)
	stdout, _, err := executeCLI(t, ts.URL, "say", "what", "time", "is", "it")
	require.NoError(t, err)
	assert.Contains(t, stdout, "you said what time is it")
	assert.Contains(t, stdout, "c1 (tool): timeout no result within 1s")
	assert.Equal(t, []string{"s1"}, f.closed)
}

func TestSayJSONOutput(t *testing.T) {
	_, ts := newFakeServer(t)
	stdout, _, err := executeCLI(t, ts.URL, "say", "--json", "hi")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, `"text": "you said hi"`)
}

func TestRemember(t *testing.T) {
	f, ts := newFakeServer(t)
	stdout, _, err := executeCLI(t, ts.URL, "remember", "-c", "config", "-t", "wifi", "password", "is", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "stored r1 (permanent/config)\n", stdout)
	require.Len(t, f.posted, 1)
	assert.Equal(t, "password is hunter2", f.posted[0]["body"])
	assert.Equal(t, []interface{}{"wifi"}, f.posted[0]["tags"])

	_, _, err = executeCLI(t, ts.URL, "remember", "-c", "gossip", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error (400)")
	assert.Contains(t, err.Error(), "gossip")
}

func TestRecall(t *testing.T) {
	f, ts := newFakeServer(t)
	stdout, _, err := executeCLI(t, ts.URL, "recall", "-t", "wifi", "--from", "2026-10-01", "password")
	require.NoError(t, err)
	assert.Contains(t, stdout, "[permanent/config exact] password is hunter2 #wifi (2026-10-18 09:30)")
	assert.Contains(t, stdout, "(some memory sources were unavailable)")
	assert.Equal(t, "from=2026-10-01&q=password&tags=wifi", f.query)
}

func TestChatExitsOnEOF(t *testing.T) {
	f, ts := newFakeServer(t)
	stdout, _, err := executeCLI(t, ts.URL, "chat")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Session: s1")
	assert.Equal(t, []string{"s1"}, f.closed)
}
