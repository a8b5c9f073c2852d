package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"fogbin/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS paste_contents (
	id TEXT PRIMARY KEY,
	sealed BLOB NOT NULL,
	wrapped_dek BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS paste_meta (
	id TEXT PRIMARY KEY,
	language TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	redacted INTEGER NOT NULL DEFAULT 0,
	password_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_meta_expires_at ON paste_meta(expires_at);
CREATE TABLE IF NOT EXISTS paste_log (
	id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_created_at ON paste_log(created_at);
`

// SQLite is the default Store. Times are stored as unix nanoseconds.
type SQLite struct {
	db           *sql.DB
	cb           breaker
	queryTimeout time.Duration
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := newSQLite(db, queryTimeout)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// dsn applies per-connection settings; PRAGMAs run through Exec only reach
// one pooled connection.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

func newSQLite(db *sql.DB, queryTimeout time.Duration) *SQLite {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &SQLite{db: db, queryTimeout: queryTimeout}
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "create tables")
}

// begin checks the breaker and derives a query context.
func (s *SQLite) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.cb.check(); err != nil {
		return nil, nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return qctx, cancel, nil
}

func (s *SQLite) Put(ctx context.Context, m *domain.Meta, c *domain.Content) error {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	err = s.withTx(qctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(qctx,
			`INSERT INTO paste_contents (id, sealed, wrapped_dek) VALUES (?, ?, ?)`,
			m.ID, c.Sealed, c.WrappedDEK); err != nil {
			return errors.Wrap(err, "insert content")
		}
		_, err := tx.ExecContext(qctx,
			`INSERT INTO paste_meta (id, language, created_at, expires_at, redacted, password_hash) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Language, m.CreatedAt.UnixNano(), m.ExpiresAt.UnixNano(), boolInt(m.Redacted), m.PasswordHash)
		return errors.Wrap(err, "insert meta")
	})
	s.cb.record(err)
	return errors.Wrap(err, "db put")
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLite) GetMeta(ctx context.Context, id string) (*domain.Meta, error) {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var (
		m                domain.Meta
		created, expires int64
		redacted         int
	)
	err = s.db.QueryRowContext(qctx,
		`SELECT id, language, created_at, expires_at, redacted, password_hash FROM paste_meta WHERE id = ?`, id,
	).Scan(&m.ID, &m.Language, &created, &expires, &redacted, &m.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get meta")
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	m.ExpiresAt = time.Unix(0, expires).UTC()
	m.Redacted = redacted != 0
	return &m, nil
}

func (s *SQLite) GetContent(ctx context.Context, id string) (*domain.Content, error) {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var c domain.Content
	err = s.db.QueryRowContext(qctx,
		`SELECT sealed, wrapped_dek FROM paste_contents WHERE id = ?`, id,
	).Scan(&c.Sealed, &c.WrappedDEK)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get content")
	}
	return &c, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (domain.Presence, error) {
	var p domain.Presence
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return p, err
	}
	defer cancel()
	var meta, content int
	err = s.db.QueryRowContext(qctx, `SELECT
		EXISTS(SELECT 1 FROM paste_meta WHERE id = ?),
		EXISTS(SELECT 1 FROM paste_contents WHERE id = ?)`, id, id,
	).Scan(&meta, &content)
	s.cb.record(err)
	if err != nil {
		return p, errors.Wrap(err, "exists check failed")
	}
	p.Meta, p.Content = meta == 1, content == 1
	return p, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) (domain.Presence, error) {
	var p domain.Presence
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return p, err
	}
	defer cancel()
	err = s.withTx(qctx, func(tx *sql.Tx) error {
		var err error
		if p.Meta, err = execRemoved(qctx, tx, `DELETE FROM paste_meta WHERE id = ?`, id); err != nil {
			return err
		}
		p.Content, err = execRemoved(qctx, tx, `DELETE FROM paste_contents WHERE id = ?`, id)
		return err
	})
	s.cb.record(err)
	if err != nil {
		return domain.Presence{}, errors.Wrap(err, "delete paste")
	}
	return p, nil
}

func (s *SQLite) DeleteMeta(ctx context.Context, id string) (bool, error) {
	return s.deleteOne(ctx, `DELETE FROM paste_meta WHERE id = ?`, id)
}

func (s *SQLite) DeleteContent(ctx context.Context, id string) (bool, error) {
	return s.deleteOne(ctx, `DELETE FROM paste_contents WHERE id = ?`, id)
}

func (s *SQLite) deleteOne(ctx context.Context, q, id string) (bool, error) {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	removed, err := execRemoved(qctx, s.db, q, id)
	s.cb.record(err)
	return removed, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func execRemoved(ctx context.Context, e execer, q, id string) (bool, error) {
	res, err := e.ExecContext(ctx, q, id)
	if err != nil {
		return false, errors.Wrap(err, "delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func (s *SQLite) ListIDs(ctx context.Context, fn func(id string) error) error {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(qctx, `SELECT id FROM paste_meta UNION SELECT id FROM paste_contents`)
	if err != nil {
		cancel()
		s.cb.record(err)
		return errors.Wrap(err, "list ids")
	}
	// Collect first so fn can write without holding a read cursor open.
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			cancel()
			return errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	cancel()
	s.cb.record(err)
	if err != nil {
		return errors.Wrap(err, "list ids")
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) AppendLog(ctx context.Context, id string, createdAt time.Time) error {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(qctx, `INSERT INTO paste_log (id, created_at) VALUES (?, ?)`, id, createdAt.UnixNano())
	s.cb.record(err)
	return errors.Wrap(err, "append log")
}

func (s *SQLite) CountCreated(ctx context.Context, since time.Time) (int, error) {
	if since.IsZero() {
		return s.count(ctx, `SELECT COUNT(*) FROM paste_log`)
	}
	return s.count(ctx, `SELECT COUNT(*) FROM paste_log WHERE created_at >= ?`, since.UnixNano())
}

func (s *SQLite) CountActive(ctx context.Context, now time.Time) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM paste_meta WHERE expires_at > ?`, now.UnixNano())
}

func (s *SQLite) count(ctx context.Context, q string, args ...interface{}) (int, error) {
	qctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int
	err = s.db.QueryRowContext(qctx, q, args...).Scan(&n)
	s.cb.record(err)
	return n, errors.Wrap(err, "count")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
