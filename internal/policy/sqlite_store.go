package policy

import (
	"context"
	"database/sql"
	"errors"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStore persists policy versions in SQLite. updated_at is stored as
// unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed policy store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Latest(ctx context.Context) (*Record, error) {
	rec := &Record{}
	var rulesText string
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version, rules, updated_at
		FROM policy_versions
		ORDER BY version DESC
		LIMIT 1`).Scan(&rec.Version, &rulesText, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("latest", err)
	}
	rec.Rules = []byte(rulesText)
	rec.UpdatedAt = time.UnixMicro(updated).UTC()
	return rec, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (version, rules, updated_at)
		VALUES (?, ?, ?)`,
		rec.Version, string(rec.Rules), rec.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return unavailable("append", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, rules, updated_at
		FROM policy_versions
		ORDER BY version DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec := &Record{}
		var rulesText string
		var updated int64
		if err := rows.Scan(&rec.Version, &rulesText, &updated); err != nil {
			return nil, unavailable("history", err)
		}
		rec.Rules = []byte(rulesText)
		rec.UpdatedAt = time.UnixMicro(updated).UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("history", err)
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

var _ Store = (*SQLiteStore)(nil)
