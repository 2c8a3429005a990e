// Package refstore is the append-only reference store: the permanent tier
// of Grace's memory. Committed records are never updated or deleted.
package refstore

import (
	"context"
	"errors"
	"strings"

	"github.com/nidhogg/grace/internal/record"
)

var (
	// ErrNotFound is returned by Get for an unknown record id.
	ErrNotFound = errors.New("reference record not found")
	// ErrImmutable is returned when the backend refuses a mutation.
	ErrImmutable = errors.New("reference records are immutable")
)

const defaultPageSize = 256

// Store appends and searches permanent records. There is deliberately no
// update or delete operation.
type Store interface {
	Append(ctx context.Context, sessionID string, d record.Draft) (*record.Record, error)
	Get(ctx context.Context, id string) (*record.Record, error)
	Search(ctx context.Context, f record.Filter) (*Iterator, error)
	Verify(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Hit is one search result.
type Hit struct {
	Record *record.Record
	Score  float64 // text relevance in [0,1]; 1 when no text query was given
	Exact  bool    // matched by category or tag rather than text alone
}

// pageFunc fetches records with afterSeq < seq <= maxSeq in ascending seq
// order, applying the structured part of the filter.
type pageFunc func(ctx context.Context, afterSeq, maxSeq int64, limit int) ([]*record.Record, error)

// Iterator lazily walks a point-in-time snapshot of the store: records
// appended after the iterator was created are never yielded.
type Iterator struct {
	fetch    pageFunc
	filter   record.Filter
	terms    []string
	hwm      int64
	pageSize int

	buf       []*record.Record
	pos       int
	last      int64
	exhausted bool
	cur       Hit
	err       error
}

func newIterator(fetch pageFunc, f record.Filter, hwm int64) *Iterator {
	return &Iterator{
		fetch:    fetch,
		filter:   f,
		terms:    record.Terms(f.TextQuery),
		hwm:      hwm,
		pageSize: defaultPageSize,
	}
}

// Next advances to the next matching record.
func (it *Iterator) Next(ctx context.Context) bool {
	for {
		for it.pos < len(it.buf) {
			r := it.buf[it.pos]
			it.pos++
			it.last = r.Seq
			score := 1.0
			if len(it.terms) > 0 {
				score = record.TextScore(r, it.terms)
				if score == 0 {
					continue
				}
			}
			it.cur = Hit{Record: r, Score: score, Exact: it.filter.Structured()}
			return true
		}
		if it.exhausted || it.err != nil {
			return false
		}
		page, err := it.fetch(ctx, it.last, it.hwm, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.pageSize {
			it.exhausted = true
		}
		it.buf, it.pos = page, 0
		if len(page) == 0 {
			return false
		}
	}
}

// Hit returns the current result.
func (it *Iterator) Hit() Hit { return it.cur }

// Record returns the current record.
func (it *Iterator) Record() *record.Record { return it.cur.Record }

// Err returns the first error met while paging.
func (it *Iterator) Err() error { return it.err }

// Reset restarts iteration over the same snapshot.
func (it *Iterator) Reset() {
	it.buf, it.pos, it.last = nil, 0, 0
	it.exhausted = false
	it.err = nil
	it.cur = Hit{}
}

// Collect drains up to limit hits (all when limit <= 0).
func Collect(ctx context.Context, it *Iterator, limit int) ([]Hit, error) {
	var out []Hit
	for it.Next(ctx) {
		out = append(out, it.Hit())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// likePattern escapes a term for use in a LIKE ... ESCAPE '\' clause.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(term) + "%"
}

func validateDraft(d record.Draft) error {
	if strings.TrimSpace(string(d.Category)) == "" {
		return errors.New("append: record has no category")
	}
	if d.Body == "" {
		return errors.New("append: record has an empty body")
	}
	return nil
}
