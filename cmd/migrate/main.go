// Command migrate runs the embedded database migrations via goose.
//
// DATABASE_URL selects PostgreSQL, RCL_DB_PATH selects SQLite.
//
// Usage:
//
//	go run ./cmd/migrate up               # Apply all pending migrations
//	go run ./cmd/migrate down             # Roll back the last migration
//	go run ./cmd/migrate status           # Show migration status
//	go run ./cmd/migrate version          # Show current schema version
//	go run ./cmd/migrate up-to <version>  # Migrate up to a version
//	go run ./cmd/migrate down-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/pressly/goose/v3"

	"github.com/mbd888/rcl/internal/database"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	ctx := context.Background()
	db, dialect, err := open(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	provider, err := database.NewProvider(db, dialect)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(ctx, provider, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("Migration %s failed: %v", os.Args[1], err)
	}
}

func open(ctx context.Context) (*sql.DB, database.Dialect, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		db, err := database.OpenPostgres(ctx, url)
		return db, database.Postgres, err
	}
	if path := os.Getenv("RCL_DB_PATH"); path != "" {
		db, err := database.OpenSQLite(ctx, path)
		return db, database.SQLite, err
	}
	return nil, "", fmt.Errorf("DATABASE_URL or RCL_DB_PATH environment variable is required")
}

func run(ctx context.Context, p *goose.Provider, command string, args []string) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		printResults(results)
		return err
	case "down":
		result, err := p.Down(ctx)
		if result != nil {
			printResults([]*goose.MigrationResult{result})
		}
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a target version", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = p.UpTo(ctx, version)
		} else {
			results, err = p.DownTo(ctx, version)
		}
		printResults(results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if st.State == goose.StateApplied {
				applied = st.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-5d %-40s %s\n", st.Source.Version, st.Source.Path, applied)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func printResults(results []*goose.MigrationResult) {
	for _, r := range results {
		fmt.Printf("%s %s (%s)\n", r.Direction, r.Source.Path, r.Duration)
	}
}
