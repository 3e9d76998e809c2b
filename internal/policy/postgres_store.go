package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists policy versions in PostgreSQL. The schema lives in
// the postgres migrations (policy_versions).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Latest(ctx context.Context) (*Record, error) {
	rec := &Record{}
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT version, rules, updated_at
		FROM policy_versions
		ORDER BY version DESC
		LIMIT 1`).Scan(&rec.Version, &raw, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("latest", err)
	}
	rec.Rules = raw
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO policy_versions (version, rules, updated_at)
		VALUES ($1, $2, $3)`,
		rec.Version, []byte(rec.Rules), rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrVersionConflict
		}
		return unavailable("append", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT version, rules, updated_at
		FROM policy_versions
		ORDER BY version DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec := &Record{}
		var raw []byte
		if err := rows.Scan(&rec.Version, &raw, &rec.UpdatedAt); err != nil {
			return nil, unavailable("history", err)
		}
		rec.Rules = raw
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("history", err)
	}
	return result, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceUnavailable, op, err)
}

var _ Store = (*PostgresStore)(nil)
