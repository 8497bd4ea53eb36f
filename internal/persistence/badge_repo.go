package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/internal/domain"
)

// BadgeRepo stores the last-known-good badge payload per user. The
// aggregator restores it at startup so badges render immediately,
// marked stale until the first authoritative fetch.
type BadgeRepo struct {
	db *sql.DB
}

func NewBadgeRepo(db *sql.DB) *BadgeRepo {
	return &BadgeRepo{db: db}
}

func (r *BadgeRepo) Save(ctx context.Context, userID string, counts domain.BadgeCounts) error {
	if userID == "" {
		return fmt.Errorf("save badge snapshot: empty user id")
	}
	payload, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode badge snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO badge_snapshots(user_id, payload, fetched_at)
		VALUES(?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`, userID, string(payload), unixMillis(counts.FetchedAt))
	if err != nil {
		return fmt.Errorf("save badge snapshot: %w", err)
	}

	return nil
}

func (r *BadgeRepo) Load(ctx context.Context, userID string) (domain.BadgeCounts, bool, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `
		SELECT payload
		FROM badge_snapshots
		WHERE user_id = ?
	`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BadgeCounts{}, false, nil
	}
	if err != nil {
		return domain.BadgeCounts{}, false, fmt.Errorf("load badge snapshot: %w", err)
	}

	var counts domain.BadgeCounts
	if err := json.Unmarshal([]byte(payload), &counts); err != nil {
		return domain.BadgeCounts{}, false, fmt.Errorf("decode badge snapshot: %w", err)
	}

	return counts, true, nil
}

func (r *BadgeRepo) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM badge_snapshots;`); err != nil {
		return fmt.Errorf("delete badge snapshots: %w", err)
	}

	return nil
}
