package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// Every table owned by the local cache. Extend when the schema grows a
// table; ClearDatabase wipes them all in one transaction.
var localCacheTables = []string{
	"display_names",
	"badge_snapshots",
}

// ClearDatabase wipes every locally cached row. Runs on sign-out so no
// cached names or counts leak into the next account's session.
func ClearDatabase(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear database tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range localCacheTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return fmt.Errorf("clear table %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear database tx: %w", err)
	}

	// The WAL still holds images of the deleted rows; truncate it so
	// they do not survive on disk either.
	var busy, logFrames, moved int
	err = db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&busy, &logFrames, &moved)
	if err != nil {
		return fmt.Errorf("checkpoint after clear: %w", err)
	}

	return nil
}
