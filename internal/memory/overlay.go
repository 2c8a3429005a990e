package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/grace/internal/record"
)

const overlayPerSession = 64

// Overlay wraps an engine with per-session read-your-writes: a session's
// recent writes are returned to that session's queries even before the
// engine has indexed them.
type Overlay struct {
	Engine
	mu     sync.Mutex
	recent map[string][]*record.Record
	now    func() time.Time
}

// NewOverlay wraps engine.
func NewOverlay(engine Engine) *Overlay {
	return &Overlay{
		Engine: engine,
		recent: make(map[string][]*record.Record),
		now:    time.Now,
	}
}

// Write stores rec in the engine and remembers it for its session.
func (o *Overlay) Write(ctx context.Context, rec *record.Record) error {
	if err := o.Engine.Write(ctx, rec); err != nil {
		return err
	}
	if rec.SessionID == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	list := append(o.recent[rec.SessionID], rec)
	if len(list) > overlayPerSession {
		list = list[len(list)-overlayPerSession:]
	}
	o.recent[rec.SessionID] = list
	return nil
}

// Query merges engine hits with the querying session's own writes.
func (o *Overlay) Query(ctx context.Context, q Query) ([]Hit, error) {
	hits, err := o.Engine.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if q.Session == "" {
		return hits, nil
	}

	terms := record.Terms(q.Text)
	now := o.now()
	o.mu.Lock()
	var own []Hit
	for _, r := range o.recent[q.Session] {
		if !q.Filter.Matches(r) {
			continue
		}
		if score := relevance(terms, r, now); score > 0 {
			own = append(own, Hit{Record: r, Score: score, Source: "session"})
		}
	}
	o.mu.Unlock()
	return mergeHits(limitOf(q), hits, own), nil
}

// Forget drops a terminated session's overlay.
func (o *Overlay) Forget(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.recent, sessionID)
}
