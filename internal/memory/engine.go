// Package memory is the contextual memory adapter: the short-term,
// relational tier behind the memory router. Engines are interchangeable;
// a graph engine (neo4j, optionally with a qdrant vector index) backs
// production and a local engine backs tests and single-node setups.
package memory

import (
	"context"
	"sort"

	"github.com/nidhogg/grace/internal/record"
)

// Query is a contextual retrieval request.
type Query struct {
	Text   string
	Filter record.Filter
	Limit  int
	// Session is the querying session. It is not a filter: the overlay
	// uses it to surface that session's own recent writes.
	Session string
}

// Hit is a ranked contextual result.
type Hit struct {
	Record *record.Record
	Score  float64
	Source string // engine that produced the hit
}

// Engine stores and ranks contextual records.
type Engine interface {
	Write(ctx context.Context, rec *record.Record) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	Close(ctx context.Context) error
}

const defaultLimit = 20

func limitOf(q Query) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return defaultLimit
}

// mergeHits dedupes by record id keeping the best score, then sorts by
// score and recency.
func mergeHits(limit int, sets ...[]Hit) []Hit {
	best := make(map[string]Hit)
	var order []string
	for _, set := range sets {
		for _, h := range set {
			prev, ok := best[h.Record.ID]
			if !ok {
				order = append(order, h.Record.ID)
				best[h.Record.ID] = h
				continue
			}
			if h.Score > prev.Score {
				best[h.Record.ID] = h
			}
		}
	}
	out := make([]Hit, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	sortHits(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.CreatedAt.After(hits[j].Record.CreatedAt)
	})
}
