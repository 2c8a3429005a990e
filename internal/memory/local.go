package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/grace/internal/record"
)

// DefaultLocalCapacity bounds the local engine; the oldest records are
// dropped first.
const DefaultLocalCapacity = 5000

// LocalEngine is an in-process contextual engine.
type LocalEngine struct {
	mu       sync.RWMutex
	records  []*record.Record
	byID     map[string]struct{}
	capacity int
	now      func() time.Time
}

// NewLocalEngine creates a local engine holding at most capacity records.
func NewLocalEngine(capacity int) *LocalEngine {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	return &LocalEngine{
		byID:     make(map[string]struct{}),
		capacity: capacity,
		now:      time.Now,
	}
}

// Write stores a copy of rec. Rewriting a known id is a no-op.
func (e *LocalEngine) Write(_ context.Context, rec *record.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[rec.ID]; ok {
		return nil
	}
	cp := *rec
	cp.Tags = append([]string(nil), rec.Tags...)
	e.records = append(e.records, &cp)
	e.byID[cp.ID] = struct{}{}
	for len(e.records) > e.capacity {
		delete(e.byID, e.records[0].ID)
		e.records[0] = nil
		e.records = e.records[1:]
	}
	return nil
}

// Query ranks stored records by keyword relevance and recency.
func (e *LocalEngine) Query(ctx context.Context, q Query) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := record.Terms(q.Text)
	now := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()
	var hits []Hit
	for _, r := range e.records {
		if !q.Filter.Matches(r) {
			continue
		}
		score := relevance(terms, r, now)
		if score == 0 {
			continue
		}
		hits = append(hits, Hit{Record: r, Score: score, Source: "local"})
	}
	return mergeHits(limitOf(q), hits), nil
}

// Len returns the number of stored records.
func (e *LocalEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// Close is a no-op.
func (e *LocalEngine) Close(context.Context) error { return nil }
