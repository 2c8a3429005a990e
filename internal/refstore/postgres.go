package refstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/grace/internal/record"
	"go.uber.org/zap"
)

// appendLockKey serializes appends across processes so seq order is
// commit order.
const appendLockKey = 0x67726163

// PostgresStore is the shared reference store backend.
type PostgresStore struct {
	db     *pgxpool.Pool
	now    func() time.Time
	logger *zap.Logger
}

// OpenPostgres connects to PostgreSQL with a pgx connection pool.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("reference store opened", zap.String("backend", "postgres"))
	return &PostgresStore{db: pool, now: time.Now, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("migration applied", zap.String("file", f))
	}
	return nil
}

// Append commits a record and returns it with its store-assigned id.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, d record.Draft) (*record.Record, error) {
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

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("append reference: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey)); err != nil {
		return nil, fmt.Errorf("append reference lock: %w", err)
	}
	// Postgres keeps microseconds.
	rec.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	err = tx.QueryRow(ctx, `
		INSERT INTO reference_records (id, category, tags, body, session_id, created_at, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		rec.ID, string(rec.Category), rec.Tags, rec.Body, rec.SessionID, rec.CreatedAt, rec.Checksum,
	).Scan(&rec.Seq)
	if err != nil {
		return nil, fmt.Errorf("append reference: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reference: %w", err)
	}
	s.logger.Debug("reference appended",
		zap.String("id", rec.ID),
		zap.Int64("seq", rec.Seq),
		zap.String("category", string(rec.Category)))
	return rec, nil
}

const pgColumns = `seq, id, category, tags, body, session_id, created_at, checksum`

// Get loads a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+pgColumns+` FROM reference_records WHERE id = $1`, id)
	rec, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reference %s: %w", id, err)
	}
	return rec, nil
}

// Verify reports whether a record's body still matches its checksum.
func (s *PostgresStore) Verify(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return record.Checksum(rec.Body) == rec.Checksum, nil
}

// Count returns the number of committed records.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM reference_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

// Search returns an iterator over a snapshot of the records matching f.
func (s *PostgresStore) Search(ctx context.Context, f record.Filter) (*Iterator, error) {
	var hwm int64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM reference_records`).Scan(&hwm); err != nil {
		return nil, fmt.Errorf("search references: %w", err)
	}

	fetch := func(ctx context.Context, after, upto int64, limit int) ([]*record.Record, error) {
		args := []any{after, upto}
		where := pgWhere(f, &args)
		args = append(args, limit)
		q := fmt.Sprintf(`SELECT %s FROM reference_records WHERE seq > $1 AND seq <= $2%s ORDER BY seq LIMIT $%d`,
			pgColumns, where, len(args))

		rows, err := s.db.Query(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var recs []*record.Record
		for rows.Next() {
			rec, err := scanPG(rows)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, rows.Err()
	}
	return newIterator(fetch, f, hwm), nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func pgWhere(f record.Filter, args *[]any) string {
	var b strings.Builder
	arg := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}
	if f.Category != "" {
		b.WriteString(" AND category = " + arg(string(f.Category)))
	}
	if tags := record.NormalizeTags(f.Tags); len(tags) > 0 {
		b.WriteString(" AND tags @> " + arg(tags))
	}
	if !f.From.IsZero() {
		b.WriteString(" AND created_at >= " + arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		b.WriteString(" AND created_at <= " + arg(f.To.UTC()))
	}
	if f.SessionID != "" {
		b.WriteString(" AND session_id = " + arg(f.SessionID))
	}
	if terms := record.Terms(f.TextQuery); len(terms) > 0 {
		var ors []string
		for _, t := range terms {
			ors = append(ors, "lower(body) LIKE "+arg(likePattern(t))+` ESCAPE '\'`)
		}
		ors = append(ors, "tags && "+arg(terms))
		b.WriteString(" AND (" + strings.Join(ors, " OR ") + ")")
	}
	return b.String()
}

func scanPG(row pgx.Row) (*record.Record, error) {
	var r record.Record
	var category string
	if err := row.Scan(&r.Seq, &r.ID, &category, &r.Tags, &r.Body, &r.SessionID, &r.CreatedAt, &r.Checksum); err != nil {
		return nil, err
	}
	r.Category = record.Category(category)
	r.CreatedAt = r.CreatedAt.UTC()
	r.Tier = record.TierPermanent
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	return &r, nil
}
