package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Connection pragmas applied on every open. WAL lets the async writer
// queue commit while the warm-start loader reads; the busy timeout
// absorbs the brief overlap between the two.
var openPragmas = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA busy_timeout = 5000;`,
	`PRAGMA foreign_keys = ON;`,
}

// Open opens (creating it if needed) the local cache database at path
// and brings its schema up to the current version.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, pragma := range openPragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// Row timestamps are stored as unix milliseconds. There is no reverse
// decoder: the badge payload carries its own fetched_at inside the
// JSON, and display_names' updated_at exists only for inspection.
func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}
