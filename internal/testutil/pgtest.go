// Package testutil provides shared test infrastructure for store tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mbd888/rcl/internal/database"
)

// PGTest opens a PostgreSQL test database, applies the embedded migrations,
// and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing server. Without it, integration builds
// start a throwaway container; other builds skip the test.
// The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	dbURL := os.Getenv("POSTGRES_URL")
	stop := func() {}
	if dbURL == "" {
		dbURL, stop = startPostgres(t)
	}

	db, err := database.OpenPostgres(ctx, dbURL)
	if err != nil {
		stop()
		t.Fatalf("pgtest: %v", err)
	}
	if err := database.Migrate(ctx, db, database.Postgres); err != nil {
		_ = db.Close()
		stop()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stop()
	}
	return db, cleanup
}

// SQLiteTest opens a migrated SQLite database in a temp directory. It is
// closed automatically when the test ends.
func SQLiteTest(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "rcl.db"))
	if err != nil {
		t.Fatalf("sqlitetest: %v", err)
	}
	if err := database.Migrate(ctx, db, database.SQLite); err != nil {
		_ = db.Close()
		t.Fatalf("sqlitetest: run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// truncateAll empties every application table. goose's version table is
// kept so the next test does not re-run migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
