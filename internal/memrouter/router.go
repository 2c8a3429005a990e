// Package memrouter routes memory writes to the right storage tier and
// merges reads from both tiers into a single context bundle.
package memrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/grace/internal/config"
	"github.com/nidhogg/grace/internal/memory"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/refstore"
)

// Conflict policies for placing contextual hits relative to exact
// permanent hits.
const (
	PermanentFirst  = "permanent_first"
	ContextualFirst = "contextual_first"
)

// Options bounds the read path.
type Options struct {
	MaxItems    int
	MaxTokens   int
	ReadTimeout time.Duration
	Policy      string
}

// OptionsFromConfig converts the memory config section.
func OptionsFromConfig(cfg config.MemoryConfig) Options {
	return Options{
		MaxItems:    cfg.MaxItems,
		MaxTokens:   cfg.MaxTokens,
		ReadTimeout: cfg.ReadTimeout.Std(),
		Policy:      cfg.ConflictPolicy,
	}
}

// Query is a read path request.
type Query struct {
	Text     string          `json:"text,omitempty"`
	Category record.Category `json:"category,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	From     time.Time       `json:"from,omitempty"`
	To       time.Time       `json:"to,omitempty"`
}

func (q Query) filter() record.Filter {
	return record.Filter{Category: q.Category, Tags: q.Tags, From: q.From, To: q.To}
}

// Router classifies drafts and fans reads out over both tiers.
type Router struct {
	table  *ClassificationTable
	refs   refstore.Store
	engine memory.Engine
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Router. A nil table uses DefaultTable.
func New(table *ClassificationTable, refs refstore.Store, engine memory.Engine, opts Options, logger *zap.Logger) *Router {
	if table == nil {
		table = DefaultTable()
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 12
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.Policy != ContextualFirst {
		opts.Policy = PermanentFirst
	}
	return &Router{table: table, refs: refs, engine: engine, opts: opts, now: time.Now, logger: logger}
}

// Table returns the classification table.
func (r *Router) Table() *ClassificationTable { return r.table }

// Classify returns the tier a draft is stored under. Drafts without a
// category are accepted only when a routing tag marks them contextual.
func (r *Router) Classify(d record.Draft) (record.Tier, error) {
	_, tier, err := r.classify(d)
	return tier, err
}

func (r *Router) classify(d record.Draft) (record.Category, record.Tier, error) {
	if d.Category == "" {
		for _, tag := range record.NormalizeTags(d.Tags) {
			if c, ok := contextualTags[tag]; ok {
				return c, record.TierContextual, nil
			}
		}
		return "", "", fmt.Errorf("classify draft: no category: %w", ErrUnclassified)
	}
	tier, ok := r.table.Tier(d.Category)
	if !ok {
		return "", "", fmt.Errorf("classify draft: %q: %w", d.Category, ErrUnclassified)
	}
	return d.Category, tier, nil
}

// Persist classifies d and writes it to its tier.
func (r *Router) Persist(ctx context.Context, d record.Draft, sessionID string) (*record.Record, error) {
	category, tier, err := r.classify(d)
	if err != nil {
		return nil, err
	}
	d.Category = category

	switch tier {
	case record.TierPermanent:
		rec, err := r.refs.Append(ctx, sessionID, d)
		if err != nil {
			return nil, &MemoryWriteError{Draft: d, Tier: tier, SessionID: sessionID, Err: err}
		}
		r.logger.Debug("permanent memory stored",
			zap.String("id", rec.ID),
			zap.String("category", string(rec.Category)),
			zap.String("session", sessionID))
		return rec, nil
	default:
		if d.Body == "" {
			return nil, fmt.Errorf("persist draft: empty body")
		}
		rec := &record.Record{
			ID:        uuid.NewString(),
			Category:  d.Category,
			Tags:      record.NormalizeTags(d.Tags),
			Body:      d.Body,
			CreatedAt: r.now().UTC(),
			Tier:      record.TierContextual,
			SessionID: sessionID,
			Checksum:  record.Checksum(d.Body),
		}
		if err := r.engine.Write(ctx, rec); err != nil {
			return nil, &MemoryWriteError{Draft: d, Tier: tier, SessionID: sessionID, Err: err}
		}
		r.logger.Debug("contextual memory stored",
			zap.String("id", rec.ID),
			zap.String("category", string(rec.Category)),
			zap.String("session", sessionID))
		return rec, nil
	}
}

// Retrieve queries both tiers in parallel and merges the results into a
// bundle bounded by the context budget. A failing tier marks the bundle
// partial; a MemoryReadError is returned only when both fail.
func (r *Router) Retrieve(ctx context.Context, q Query, sessionID string) (*Bundle, error) {
	start := r.now()
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
	defer cancel()

	var (
		exact, text     []Item
		contextual      []Item
		permErr, ctxErr error
		g               errgroup.Group
	)
	g.Go(func() error {
		exact, text, permErr = r.readPermanent(ctx, q)
		return nil
	})
	g.Go(func() error {
		contextual, ctxErr = r.readContextual(ctx, q, sessionID)
		return nil
	})
	_ = g.Wait()

	b := &Bundle{}
	var errs []error
	if permErr != nil {
		errs = append(errs, fmt.Errorf("permanent tier: %w", permErr))
	}
	if ctxErr != nil {
		errs = append(errs, fmt.Errorf("contextual tier: %w", ctxErr))
	}
	for _, err := range errs {
		b.Errors = append(b.Errors, err.Error())
		r.logger.Warn("memory tier read failed", zap.String("session", sessionID), zap.Error(err))
	}
	if len(errs) == 2 {
		return b, &MemoryReadError{Errs: errs}
	}
	b.Partial = len(errs) > 0

	var ordered [][]Item
	if r.opts.Policy == ContextualFirst {
		ordered = [][]Item{contextual, exact, text}
	} else {
		ordered = [][]Item{exact, contextual, text}
	}
	b.fill(r.opts.MaxItems, r.opts.MaxTokens, ordered...)

	r.logger.Debug("memory retrieved",
		zap.String("session", sessionID),
		zap.Int("exact", len(exact)),
		zap.Int("contextual", len(contextual)),
		zap.Int("text", len(text)),
		zap.Int("items", len(b.Items)),
		zap.Bool("partial", b.Partial),
		zap.Duration("duration", r.now().Sub(start)))
	return b, nil
}

func (r *Router) readPermanent(ctx context.Context, q Query) (exact, text []Item, err error) {
	f := q.filter()
	if f.Structured() {
		it, err := r.refs.Search(ctx, f)
		if err != nil {
			return nil, nil, err
		}
		hits, err := newest(ctx, it, r.opts.MaxItems)
		if err != nil {
			return nil, nil, err
		}
		for _, h := range hits {
			exact = append(exact, Item{Source: SourceReference, Tier: record.TierPermanent, Record: h.Record, Score: h.Score, MatchKind: MatchExact})
		}
	}
	if q.Text != "" {
		tf := record.Filter{TextQuery: q.Text, From: q.From, To: q.To}
		it, err := r.refs.Search(ctx, tf)
		if err != nil {
			return nil, nil, err
		}
		hits, err := refstore.Collect(ctx, it, 0)
		if err != nil {
			return nil, nil, err
		}
		named, rest := splitNamed(hits, record.Terms(q.Text))
		for _, h := range capHits(named, r.opts.MaxItems, byRecency) {
			exact = append(exact, Item{Source: SourceReference, Tier: record.TierPermanent, Record: h.Record, Score: h.Score, MatchKind: MatchExact})
		}
		for _, h := range capHits(rest, r.opts.MaxItems, byScore) {
			text = append(text, Item{Source: SourceReference, Tier: record.TierPermanent, Record: h.Record, Score: h.Score, MatchKind: MatchText})
		}
	}
	return exact, text, nil
}

// splitNamed separates hits whose tag or category equals a query term.
// Those are exact matches even when the query arrived as free text.
// Session logs are tagged by the controller, not the user, and stay text
// matches.
func splitNamed(hits []refstore.Hit, terms []string) (named, rest []refstore.Hit) {
	for _, h := range hits {
		if h.Record.Category != record.CategoryLog && namesRecord(h.Record, terms) {
			named = append(named, h)
		} else {
			rest = append(rest, h)
		}
	}
	return named, rest
}

func namesRecord(r *record.Record, terms []string) bool {
	for _, t := range terms {
		if string(r.Category) == t || r.HasTag(t) {
			return true
		}
	}
	return false
}

func byRecency(a, b refstore.Hit) bool { return a.Record.Seq > b.Record.Seq }

func byScore(a, b refstore.Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return byRecency(a, b)
}

func capHits(hits []refstore.Hit, n int, less func(a, b refstore.Hit) bool) []refstore.Hit {
	sort.SliceStable(hits, func(i, j int) bool { return less(hits[i], hits[j]) })
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

func (r *Router) readContextual(ctx context.Context, q Query, sessionID string) ([]Item, error) {
	hits, err := r.engine.Query(ctx, memory.Query{
		Text:    q.Text,
		Filter:  q.filter(),
		Limit:   r.opts.MaxItems,
		Session: sessionID,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(hits))
	for _, h := range hits {
		items = append(items, Item{Source: h.Source, Tier: record.TierContextual, Record: h.Record, Score: h.Score, MatchKind: MatchContextual})
	}
	return items, nil
}

// newest drains it and keeps the n most recent hits, newest first.
func newest(ctx context.Context, it *refstore.Iterator, n int) ([]refstore.Hit, error) {
	ring := make([]refstore.Hit, 0, n)
	next := 0
	for it.Next(ctx) {
		if len(ring) < n {
			ring = append(ring, it.Hit())
			continue
		}
		ring[next] = it.Hit()
		next = (next + 1) % n
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	out := make([]refstore.Hit, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

// Forget drops per-session read-your-writes state, if the contextual
// engine keeps any.
func (r *Router) Forget(sessionID string) {
	if f, ok := r.engine.(interface{ Forget(string) }); ok {
		f.Forget(sessionID)
	}
}

// IsWriteError reports whether err is a MemoryWriteError.
func IsWriteError(err error) bool {
	var we *MemoryWriteError
	return errors.As(err, &we)
}
