package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NameRepo persists resolved conversation display names so the next
// launch renders lists without waiting for background resolution.
type NameRepo struct {
	db *sql.DB
}

func NewNameRepo(db *sql.DB) *NameRepo {
	return &NameRepo{db: db}
}

func (r *NameRepo) UpsertBatch(ctx context.Context, names map[string]string) error {
	if len(names) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin display name tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO display_names(conversation_id, display_name, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare display name upsert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	now := unixMillis(time.Now())
	for conversationID, name := range names {
		if conversationID == "" || name == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, conversationID, name, now); err != nil {
			return fmt.Errorf("upsert display name: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit display name tx: %w", err)
	}

	return nil
}

func (r *NameRepo) LoadAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, display_name
		FROM display_names
	`)
	if err != nil {
		return nil, fmt.Errorf("load display names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var conversationID, name string
		if err := rows.Scan(&conversationID, &name); err != nil {
			return nil, fmt.Errorf("scan display name: %w", err)
		}
		out[conversationID] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate display names: %w", err)
	}

	return out, nil
}

func (r *NameRepo) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM display_names;`); err != nil {
		return fmt.Errorf("delete display names: %w", err)
	}

	return nil
}
