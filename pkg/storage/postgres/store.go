// Package postgres provides PostgreSQL storage for session and submission
// records.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/specdraft/specdraft/pkg/storage"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// recordColumns lists columns returned by record SELECT queries.
var recordColumns = []string{"key", "token_key", "ref_key", "expires_at", "data"}

// Store implements storage.Store using a single PostgreSQL table with a
// composite text primary key. Secondary lookups go through partial indexes
// on token_key and ref_key; see the embedded migrations.
type Store struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new PostgreSQL record store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves a record by primary key. Returns nil, nil if absent or expired.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	qb := visible(psq.Select(recordColumns...).From("records")).
		Where(sq.Eq{"key": key})

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}
	return s.scanRecord(s.db.QueryRowContext(ctx, query, args...))
}

// Put writes a record, overwriting any existing record at the same key.
func (s *Store) Put(ctx context.Context, rec *storage.Record) error {
	query := `
		INSERT INTO records (key, token_key, ref_key, expires_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET token_key = EXCLUDED.token_key,
		    ref_key = EXCLUDED.ref_key,
		    expires_at = EXCLUDED.expires_at,
		    data = EXCLUDED.data
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.Key,
		nullString(rec.TokenKey),
		nullString(rec.RefKey),
		nullTime(rec.ExpiresAt),
		rec.Data,
	)
	if err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return nil
}

// Query returns records matching a key prefix, ordered by key.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]*storage.Record, error) {
	qb := visible(psq.Select(recordColumns...).From("records")).
		Where(sq.Like{"key": likePrefix(q.Prefix)})
	if q.Descending {
		qb = qb.OrderBy("key DESC")
	} else {
		qb = qb.OrderBy("key ASC")
	}
	if q.Limit > 0 {
		qb = qb.Limit(uint64(q.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building prefix query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}
	return records, nil
}

// GetByToken retrieves the record indexed by a restoration token key.
func (s *Store) GetByToken(ctx context.Context, tokenKey string) (*storage.Record, error) {
	return s.getByIndex(ctx, "token_key", tokenKey)
}

// GetByRef retrieves the record indexed by a reference-number key.
func (s *Store) GetByRef(ctx context.Context, refKey string) (*storage.Record, error) {
	return s.getByIndex(ctx, "ref_key", refKey)
}

func (s *Store) getByIndex(ctx context.Context, column, value string) (*storage.Record, error) {
	qb := visible(psq.Select(recordColumns...).From("records")).
		Where(sq.Eq{column: value})

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building index query: %w", err)
	}
	return s.scanRecord(s.db.QueryRowContext(ctx, query, args...))
}

// Reap removes expired records.
func (s *Store) Reap(ctx context.Context) error {
	query := `DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= NOW()`
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("reaping records: %w", err)
	}
	return nil
}

// StartReaper starts a background goroutine that periodically removes
// expired records. The goroutine is stopped when Close is called.
func (s *Store) StartReaper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reap(ctx); err != nil {
					slog.Warn("record reap failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the reaper goroutine, waits for it to exit, and closes the
// database handle the store owns. It is safe to call Close even if
// StartReaper was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.db.Close()
}

// visible restricts a SELECT to records that have not expired.
func visible(qb sq.SelectBuilder) sq.SelectBuilder {
	return qb.Where(sq.Or{
		sq.Eq{"expires_at": nil},
		sq.Expr("expires_at > NOW()"),
	})
}

// scanRecord scans a single row into a Record.
func (*Store) scanRecord(row *sql.Row) (*storage.Record, error) {
	var rec storage.Record
	var tokenKey, refKey sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&rec.Key, &tokenKey, &refKey, &expiresAt, &rec.Data)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}

	rec.TokenKey = tokenKey.String
	rec.RefKey = refKey.String
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

// scanRecordRow scans a row from sql.Rows into a Record.
func scanRecordRow(rows *sql.Rows) (*storage.Record, error) {
	var rec storage.Record
	var tokenKey, refKey sql.NullString
	var expiresAt sql.NullTime

	if err := rows.Scan(&rec.Key, &tokenKey, &refKey, &expiresAt, &rec.Data); err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	rec.TokenKey = tokenKey.String
	rec.RefKey = refKey.String
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

// likePrefix escapes LIKE metacharacters in a key prefix.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Verify interface compliance.
var _ storage.Store = (*Store)(nil)
