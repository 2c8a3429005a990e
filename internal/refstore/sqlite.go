package refstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nidhogg/grace/internal/record"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		category   TEXT NOT NULL,
		body       TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		checksum   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record_tags (
		record_seq INTEGER NOT NULL REFERENCES records(seq),
		tag        TEXT NOT NULL,
		PRIMARY KEY (record_seq, tag)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_category ON records(category, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_record_tags_tag ON record_tags(tag, record_seq)`,
	`CREATE TRIGGER IF NOT EXISTS records_no_update BEFORE UPDATE ON records
		BEGIN SELECT RAISE(ABORT, 'reference records are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS records_no_delete BEFORE DELETE ON records
		BEGIN SELECT RAISE(ABORT, 'reference records are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS record_tags_no_update BEFORE UPDATE ON record_tags
		BEGIN SELECT RAISE(ABORT, 'reference records are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS record_tags_no_delete BEFORE DELETE ON record_tags
		BEGIN SELECT RAISE(ABORT, 'reference records are immutable'); END`,
}

// SQLiteStore is the embedded reference store backend.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes appends so seq order equals commit order
	now    func() time.Time
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) a reference store at path.
// Every append is fsynced before it is acknowledged.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create reference dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open reference db: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("reference db %q: %w", p, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate reference db: %w", err)
		}
	}
	logger.Info("reference store opened", zap.String("backend", "sqlite"), zap.String("path", path))
	return &SQLiteStore{db: db, now: time.Now, logger: logger}, nil
}

// Append commits a record and returns it with its store-assigned id.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, d record.Draft) (*record.Record, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	rec := &record.Record{
		ID:        uuid.New().String(),
		Category:  d.Category,
		Tags:      record.NormalizeTags(d.Tags),
		Body:      d.Body,
		Tier:      record.TierPermanent,
		SessionID: sessionID,
		Checksum:  record.Checksum(d.Body),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.CreatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append reference: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, category, body, session_id, created_at, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Category), rec.Body, rec.SessionID, rec.CreatedAt.UnixNano(), rec.Checksum)
	if err != nil {
		return nil, fmt.Errorf("append reference: %w", err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("append reference: %w", err)
	}
	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO record_tags (record_seq, tag) VALUES (?, ?)`, rec.Seq, tag); err != nil {
			return nil, fmt.Errorf("append reference tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reference: %w", err)
	}
	s.logger.Debug("reference appended",
		zap.String("id", rec.ID),
		zap.Int64("seq", rec.Seq),
		zap.String("category", string(rec.Category)))
	return rec, nil
}

// Get loads a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*record.Record, error) {
	recs, err := s.query(ctx, `SELECT seq, id, category, body, session_id, created_at, checksum FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get reference %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Verify reports whether a record's body still matches its checksum.
func (s *SQLiteStore) Verify(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return record.Checksum(rec.Body) == rec.Checksum, nil
}

// Count returns the number of committed records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

// Search returns an iterator over a snapshot of the records matching f.
func (s *SQLiteStore) Search(ctx context.Context, f record.Filter) (*Iterator, error) {
	var hwm int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM records`).Scan(&hwm); err != nil {
		return nil, fmt.Errorf("search references: %w", err)
	}

	where, args := sqliteWhere(f)
	fetch := func(ctx context.Context, after, upto int64, limit int) ([]*record.Record, error) {
		q := `SELECT seq, id, category, body, session_id, created_at, checksum FROM records
			WHERE seq > ? AND seq <= ?` + where + ` ORDER BY seq LIMIT ?`
		a := append([]any{after, upto}, args...)
		a = append(a, limit)
		return s.query(ctx, q, a...)
	}
	return newIterator(fetch, f, hwm), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteWhere(f record.Filter) (string, []any) {
	var b strings.Builder
	var args []any
	if f.Category != "" {
		b.WriteString(" AND category = ?")
		args = append(args, string(f.Category))
	}
	for _, tag := range record.NormalizeTags(f.Tags) {
		b.WriteString(" AND seq IN (SELECT record_seq FROM record_tags WHERE tag = ?)")
		args = append(args, tag)
	}
	if !f.From.IsZero() {
		b.WriteString(" AND created_at >= ?")
		args = append(args, f.From.UTC().UnixNano())
	}
	if !f.To.IsZero() {
		b.WriteString(" AND created_at <= ?")
		args = append(args, f.To.UTC().UnixNano())
	}
	if f.SessionID != "" {
		b.WriteString(" AND session_id = ?")
		args = append(args, f.SessionID)
	}
	// SQLite's lower() and LIKE fold ASCII only. A query with non-ASCII
	// terms is left to the iterator's scoring, which folds Unicode.
	if terms := record.Terms(f.TextQuery); len(terms) > 0 && asciiOnly(terms) {
		var ors []string
		for _, t := range terms {
			ors = append(ors, `lower(body) LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(t))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terms)), ",")
		ors = append(ors, "seq IN (SELECT record_seq FROM record_tags WHERE tag IN ("+placeholders+"))")
		for _, t := range terms {
			args = append(args, t)
		}
		b.WriteString(" AND (" + strings.Join(ors, " OR ") + ")")
	}
	return b.String(), args
}

func asciiOnly(terms []string) bool {
	for _, t := range terms {
		for i := 0; i < len(t); i++ {
			if t[i] >= utf8.RuneSelf {
				return false
			}
		}
	}
	return true
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var recs []*record.Record
	bySeq := make(map[int64]*record.Record)
	for rows.Next() {
		var r record.Record
		var category string
		var created int64
		if err := rows.Scan(&r.Seq, &r.ID, &category, &r.Body, &r.SessionID, &created, &r.Checksum); err != nil {
			rows.Close()
			return nil, err
		}
		r.Category = record.Category(category)
		r.CreatedAt = time.Unix(0, created).UTC()
		r.Tier = record.TierPermanent
		recs = append(recs, &r)
		bySeq[r.Seq] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return recs, nil
	}

	lo, hi := recs[0].Seq, recs[len(recs)-1].Seq
	if lo > hi {
		lo, hi = hi, lo
	}
	tagRows, err := s.db.QueryContext(ctx,
		`SELECT record_seq, tag FROM record_tags WHERE record_seq BETWEEN ? AND ? ORDER BY record_seq, tag`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var seq int64
		var tag string
		if err := tagRows.Scan(&seq, &tag); err != nil {
			return nil, err
		}
		if r, ok := bySeq[seq]; ok {
			r.Tags = append(r.Tags, tag)
		}
	}
	return recs, tagRows.Err()
}
