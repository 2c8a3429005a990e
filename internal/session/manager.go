package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/config"
)

// OptionsFromConfig converts the session config section.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		MaxTurns:     cfg.MaxTurns,
		IdleTimeout:  cfg.IdleTimeout.Std(),
		WriteRetries: cfg.WriteRetries,
		RetryBackoff: cfg.RetryBackoff.Std(),
	}
}

// Manager owns the live sessions. Sessions run independently of each
// other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
	deps     Deps
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

// NewManager creates a session manager.
func NewManager(deps Deps, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Controller),
		deps:     deps,
		opts:     opts.withDefaults(),
		now:      time.Now,
		logger:   logger,
	}
}

// Open starts a new session.
func (m *Manager) Open() *Controller {
	c := newController(uuid.New().String(), m.deps, m.opts, m.logger)
	c.now = m.now
	c.created, c.lastActive = m.now(), m.now()
	m.mu.Lock()
	m.sessions[c.id] = c
	m.mu.Unlock()
	m.logger.Info("session opened", zap.String("session", c.id))
	return c
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	return c, ok
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close terminates a session. It reports whether the session existed.
func (m *Manager) Close(ctx context.Context, id string) bool {
	return m.close(ctx, id, "closed")
}

func (m *Manager) close(ctx context.Context, id, reason string) bool {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.terminate(ctx, reason)
	if m.deps.Dispatcher != nil {
		m.deps.Dispatcher.Forget(id)
	}
	if m.deps.Memory != nil {
		m.deps.Memory.Forget(id)
	}
	return true
}

// CloseAll terminates every session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.close(ctx, id, "shutdown")
	}
}

// Sweep terminates sessions idle for longer than the idle timeout and
// returns how many it closed. Sessions mid-utterance are never idle.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.IdleTimeout)
	m.mu.RLock()
	var idle []string
	for id, c := range m.sessions {
		last, busy := c.idleSince()
		if !busy && last.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.close(ctx, id, "idle timeout")
	}
	if len(idle) > 0 {
		m.logger.Info("idle sessions closed", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	interval := m.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
