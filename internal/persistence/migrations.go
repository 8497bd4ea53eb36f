package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// migrationSteps maps a target user_version to the statements that
// bring the previous version up to it. Steps run in order inside one
// transaction.
var migrationSteps = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS display_names (
			conversation_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS badge_snapshots (
			user_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		);`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for v := version + 1; v <= schemaVersion; v++ {
		steps, ok := migrationSteps[v]
		if !ok {
			return fmt.Errorf("no migration step for schema version %d", v)
		}
		for _, stmt := range steps {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration to version %d: %w", v, err)
			}
		}
	}

	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	return nil
}
