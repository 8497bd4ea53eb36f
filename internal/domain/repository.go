package domain

import "context"

type NameRepository interface {
	UpsertBatch(ctx context.Context, names map[string]string) error
	LoadAll(ctx context.Context) (map[string]string, error)
	DeleteAll(ctx context.Context) error
}

type BadgeRepository interface {
	Save(ctx context.Context, userID string, counts BadgeCounts) error
	Load(ctx context.Context, userID string) (BadgeCounts, bool, error)
	DeleteAll(ctx context.Context) error
}
