// Package embedding turns memory text into vectors for the contextual
// engine's vector index.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nidhogg/grace/internal/config"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

const defaultTimeout = 30 * time.Second

// New builds the provider named by cfg.Provider ("api" or "local").
func New(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// dimension remembers the vector size seen on the first successful call,
// falling back to the configured size before that.
type dimension struct {
	configured int
	observed   atomic.Int64
}

func (d *dimension) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		d.observed.CompareAndSwap(0, int64(len(vecs[0])))
	}
}

func (d *dimension) get() int {
	if n := d.observed.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}
