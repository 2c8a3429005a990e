package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/grace/internal/embedding"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/vectorstore"
	"go.uber.org/zap"
)

// vectorBackend is the subset of the qdrant client the index uses.
type vectorBackend interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points ...vectorstore.Point) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, match map[string]string) ([]vectorstore.SearchResult, error)
}

// VectorIndex embeds contextual records and finds them by semantic
// similarity. The full record travels in the point payload.
type VectorIndex struct {
	embedder   embedding.Provider
	backend    vectorBackend
	collection string
	logger     *zap.Logger
}

// NewVectorIndex creates an index over one collection.
func NewVectorIndex(embedder embedding.Provider, backend vectorBackend, collection string, logger *zap.Logger) *VectorIndex {
	return &VectorIndex{embedder: embedder, backend: backend, collection: collection, logger: logger}
}

// Init ensures the collection exists.
func (v *VectorIndex) Init(ctx context.Context) error {
	dim := uint64(v.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := v.backend.EnsureCollection(ctx, v.collection, dim); err != nil {
		return fmt.Errorf("init vector index: %w", err)
	}
	return nil
}

// Index embeds and upserts a record.
func (v *VectorIndex) Index(ctx context.Context, rec *record.Record) error {
	vecs, err := v.embedder.Embed(ctx, []string{embedText(rec)})
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed record: empty embedding result")
	}
	return v.backend.Upsert(ctx, v.collection, vectorstore.Point{
		ID:     rec.ID,
		Vector: vecs[0],
		Payload: map[string]string{
			"category":   string(rec.Category),
			"tags":       strings.Join(rec.Tags, ","),
			"body":       rec.Body,
			"session_id": rec.SessionID,
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

// Search returns records semantically close to text.
func (v *VectorIndex) Search(ctx context.Context, text string, f record.Filter, limit int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vecs, err := v.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	match := map[string]string{}
	if f.Category != "" {
		match["category"] = string(f.Category)
	}
	if f.SessionID != "" {
		match["session_id"] = f.SessionID
	}
	results, err := v.backend.Search(ctx, v.collection, vecs[0], uint64(limit), match)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		rec := fromPayload(r.ID, r.Payload)
		if !f.Matches(rec) {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: float64(r.Score), Source: "vector"})
	}
	return hits, nil
}

func embedText(rec *record.Record) string {
	if len(rec.Tags) == 0 {
		return rec.Body
	}
	return "[" + strings.Join(rec.Tags, ", ") + "] " + rec.Body
}

func fromPayload(id string, p map[string]string) *record.Record {
	rec := &record.Record{
		ID:        id,
		Category:  record.Category(p["category"]),
		Body:      p["body"],
		SessionID: p["session_id"],
		Tier:      record.TierContextual,
	}
	if tags := p["tags"]; tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	if t, err := time.Parse(time.RFC3339Nano, p["created_at"]); err == nil {
		rec.CreatedAt = t
	}
	return rec
}
