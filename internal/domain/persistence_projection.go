package domain

import (
	"context"

	"chatsync/internal/bus"
	"chatsync/internal/events"
)

// WriteQueue serializes persistence writes from async domain events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// BadgeSnapshot is the bus payload carrying one user's authoritative
// badge state.
type BadgeSnapshot struct {
	UserID string
	Counts BadgeCounts
}

// StartPersistenceProjection mirrors resolved display names and badge
// snapshots into local storage so the next launch starts warm.
func StartPersistenceProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, nameRepo NameRepository, badgeRepo BadgeRepository) {
	namesSub := b.Subscribe(events.TopicNamesResolved)
	badgeSub := b.Subscribe(events.TopicBadgeSnapshot)

	go func() {
		defer b.Unsubscribe(namesSub, events.TopicNamesResolved)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-namesSub:
				if !ok {
					return
				}
				resolved, ok := raw.(ResolvedNames)
				if !ok || len(resolved.Names) == 0 {
					continue
				}
				batch := resolved.Names
				queue.Enqueue("upsert_display_names", func(writeCtx context.Context) error {
					return nameRepo.UpsertBatch(writeCtx, batch)
				})
			}
		}
	}()

	go func() {
		defer b.Unsubscribe(badgeSub, events.TopicBadgeSnapshot)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-badgeSub:
				if !ok {
					return
				}
				snapshot, ok := raw.(BadgeSnapshot)
				if !ok || snapshot.UserID == "" {
					continue
				}
				// Stale payloads echo the stored fallback; only
				// authoritative fetches advance the on-disk state.
				if snapshot.Counts.Stale {
					continue
				}
				copySnap := snapshot
				queue.Enqueue("save_badge_snapshot", func(writeCtx context.Context) error {
					return badgeRepo.Save(writeCtx, copySnap.UserID, copySnap.Counts)
				})
			}
		}
	}()
}
