package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/config"
	"github.com/nidhogg/grace/internal/record"
)

// spreadFactor scales the score of memories reached through shared tags
// rather than matched directly.
const spreadFactor = 0.5

// GraphEngine stores contextual memories in Neo4j as
// (:Memory)-[:TAGGED]->(:Tag) and recalls them by keyword match plus one
// hop of spreading activation over shared tags. A VectorIndex, when set,
// adds semantic hits.
type GraphEngine struct {
	driver  neo4j.DriverWithContext
	vectors *VectorIndex
	now     func() time.Time
	logger  *zap.Logger
}

// NewGraphEngine connects to Neo4j and ensures constraints exist.
func NewGraphEngine(ctx context.Context, cfg config.Neo4jConfig, vectors *VectorIndex, logger *zap.Logger) (*GraphEngine, error) {
	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	e := &GraphEngine{driver: driver, vectors: vectors, now: time.Now, logger: logger}
	for _, stmt := range []string{
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT tag_name IF NOT EXISTS FOR (t:Tag) REQUIRE t.name IS UNIQUE`,
	} {
		if err := e.exec(ctx, stmt, nil); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("neo4j constraints: %w", err)
		}
	}
	logger.Info("contextual graph engine connected", zap.String("uri", cfg.URI), zap.Bool("vectors", vectors != nil))
	return e, nil
}

// Close shuts down the Neo4j driver.
func (e *GraphEngine) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

// Write merges a memory node and links it to its tags.
func (e *GraphEngine) Write(ctx context.Context, rec *record.Record) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	err := e.exec(ctx,
		`MERGE (m:Memory {id: $id})
		 ON CREATE SET m.category = $category, m.body = $body, m.tags = $tags,
		               m.session_id = $session, m.created_at = $created
		 WITH m
		 UNWIND $tags AS tag
		 MERGE (t:Tag {name: tag})
		 MERGE (m)-[:TAGGED]->(t)`,
		map[string]any{
			"id":       rec.ID,
			"category": string(rec.Category),
			"body":     rec.Body,
			"tags":     tags,
			"session":  rec.SessionID,
			"created":  rec.CreatedAt.UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("write memory %s: %w", rec.ID, err)
	}
	if e.vectors != nil {
		if err := e.vectors.Index(ctx, rec); err != nil {
			return fmt.Errorf("index memory %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Query recalls memories matching q.
func (e *GraphEngine) Query(ctx context.Context, q Query) ([]Hit, error) {
	start := e.now()
	terms := record.Terms(q.Text)
	limit := limitOf(q)
	params := filterParams(q.Filter)
	params["terms"] = terms
	params["limit"] = limit * 2

	direct, err := e.read(ctx,
		`MATCH (m:Memory)
		 WHERE ($category = '' OR m.category = $category)
		   AND ($session = '' OR m.session_id = $session)
		   AND ($from = 0 OR m.created_at >= $from)
		   AND ($to = 0 OR m.created_at <= $to)
		   AND all(t IN $tags WHERE t IN m.tags)
		   AND (size($terms) = 0 OR any(t IN $terms WHERE toLower(m.body) CONTAINS t OR t IN m.tags))
		 RETURN m.id AS id, m.category AS category, m.body AS body, m.tags AS tags,
		        m.session_id AS session, m.created_at AS created, 0 AS shared
		 ORDER BY created DESC
		 LIMIT $limit`, params)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	now := e.now()
	hits := make([]Hit, 0, len(direct))
	ids := make([]string, 0, len(direct))
	for _, r := range direct {
		hits = append(hits, Hit{Record: r.rec, Score: relevance(terms, r.rec, now), Source: "graph"})
		ids = append(ids, r.rec.ID)
	}

	var spread []Hit
	if len(ids) > 0 && len(terms) > 0 {
		params["ids"] = ids
		related, err := e.read(ctx,
			`MATCH (m:Memory)-[:TAGGED]->(t:Tag)<-[:TAGGED]-(n:Memory)
			 WHERE m.id IN $ids AND NOT n.id IN $ids
			 WITH n, count(DISTINCT t) AS shared
			 RETURN n.id AS id, n.category AS category, n.body AS body, n.tags AS tags,
			        n.session_id AS session, n.created_at AS created, shared
			 ORDER BY shared DESC, created DESC
			 LIMIT $limit`, params)
		if err != nil {
			e.logger.Warn("memory activation failed", zap.Error(err))
		}
		for _, r := range related {
			if !q.Filter.Matches(r.rec) {
				continue
			}
			strength := float64(r.shared) / 3
			if strength > 1 {
				strength = 1
			}
			spread = append(spread, Hit{Record: r.rec, Score: spreadFactor * strength, Source: "graph"})
		}
	}

	var semantic []Hit
	if e.vectors != nil {
		semantic, err = e.vectors.Search(ctx, q.Text, q.Filter, limit)
		if err != nil {
			e.logger.Warn("vector recall failed", zap.Error(err))
		}
	}

	out := mergeHits(limit, hits, spread, semantic)
	e.logger.Debug("contextual recall",
		zap.Int("terms", len(terms)),
		zap.Int("direct", len(hits)),
		zap.Int("spread", len(spread)),
		zap.Int("semantic", len(semantic)),
		zap.Duration("duration", e.now().Sub(start)))
	return out, nil
}

func filterParams(f record.Filter) map[string]any {
	var from, to int64
	if !f.From.IsZero() {
		from = f.From.UnixNano()
	}
	if !f.To.IsZero() {
		to = f.To.UnixNano()
	}
	return map[string]any{
		"category": string(f.Category),
		"session":  f.SessionID,
		"from":     from,
		"to":       to,
		"tags":     record.NormalizeTags(f.Tags),
	}
}

func (e *GraphEngine) exec(ctx context.Context, cypher string, params map[string]any) error {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

type graphRow struct {
	rec    *record.Record
	shared int64
}

func (e *GraphEngine) read(ctx context.Context, cypher string, params map[string]any) ([]graphRow, error) {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rows []graphRow
		for res.Next(ctx) {
			rows = append(rows, toRow(res.Record()))
		}
		return rows, res.Err()
	})
	if err != nil {
		return nil, err
	}
	rows, _ := out.([]graphRow)
	return rows, nil
}

func toRow(r *neo4j.Record) graphRow {
	rec := &record.Record{Tier: record.TierContextual}
	if v, ok := r.Get("id"); ok && v != nil {
		rec.ID, _ = v.(string)
	}
	if v, ok := r.Get("category"); ok && v != nil {
		s, _ := v.(string)
		rec.Category = record.Category(s)
	}
	if v, ok := r.Get("body"); ok && v != nil {
		rec.Body, _ = v.(string)
	}
	if v, ok := r.Get("session"); ok && v != nil {
		rec.SessionID, _ = v.(string)
	}
	if v, ok := r.Get("created"); ok && v != nil {
		if ns, ok := v.(int64); ok {
			rec.CreatedAt = time.Unix(0, ns).UTC()
		}
	}
	if v, ok := r.Get("tags"); ok && v != nil {
		if list, ok := v.([]any); ok {
			for _, t := range list {
				if s, ok := t.(string); ok {
					rec.Tags = append(rec.Tags, s)
				}
			}
		}
	}
	row := graphRow{rec: rec}
	if v, ok := r.Get("shared"); ok && v != nil {
		row.shared, _ = v.(int64)
	}
	return row
}
