package stats

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite stats store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite stats store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite stats store: open")
	}
	// a single connection serializes read-modify-write increments
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS counters (
		  name TEXT PRIMARY KEY,
		  value INTEGER NOT NULL DEFAULT 0,
		  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite stats store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context) (Counters, error) {
	var c Counters
	if s == nil || s.db == nil {
		return c, errors.New("sqlite stats store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters WHERE name IN (?, ?)`,
		KindText.Key(), KindImages.Key())
	if err != nil {
		return c, errors.Wrap(err, "sqlite stats store: query counters")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return c, errors.Wrap(err, "sqlite stats store: scan counter")
		}
		switch name {
		case KindText.Key():
			c.TextFiltered = value
		case KindImages.Key():
			c.ImagesFiltered = value
		}
	}
	if err := rows.Err(); err != nil {
		return c, errors.Wrap(err, "sqlite stats store: iterate counters")
	}
	return c, nil
}

func (s *SQLiteStore) Add(ctx context.Context, kind Kind, n int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite stats store: db is nil")
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite stats store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = counters.value + excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, kind.Key(), n)
	if err != nil {
		return 0, errors.Wrapf(err, "sqlite stats store: increment %s", kind.Key())
	}
	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, kind.Key()).Scan(&v); err != nil {
		return 0, errors.Wrapf(err, "sqlite stats store: read %s", kind.Key())
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite stats store: commit")
	}
	return v, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite stats store: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 0), (?, 0)
		ON CONFLICT(name) DO UPDATE SET value = 0, updated_at = CURRENT_TIMESTAMP
	`, KindText.Key(), KindImages.Key())
	if err != nil {
		return errors.Wrap(err, "sqlite stats store: reset")
	}
	return nil
}
