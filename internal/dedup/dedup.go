package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Deduplicator coalesces concurrent fetches that share a key: while an
// operation for a key is in flight, additional callers attach to it and
// receive its result instead of starting duplicate work. Entries live
// only for the duration of one flight; nothing is cached afterwards.
type Deduplicator struct {
	mu     sync.Mutex
	group  *singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func New(logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Deduplicator{
		group:  new(singleflight.Group),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (d *Deduplicator) session() (*singleflight.Group, context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.group, d.ctx
}

// Reset cancels every in-flight operation and discards the flight
// table. Called on sign-out so no cross-account result can satisfy a
// later fetch.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancel()
	d.group = new(singleflight.Group)
	d.ctx, d.cancel = context.WithCancel(context.Background())
}

func (d *Deduplicator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel()
}

// Fetch runs op under key, or attaches to an identical in-flight op.
// The operation receives a session-scoped context: a single caller
// walking away detaches only that caller, while the operation runs to
// completion for everyone still attached. All attached callers observe
// the same value or the same error. A key must always produce the same
// result type.
func Fetch[T any](ctx context.Context, d *Deduplicator, key string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return zero, errors.New("dedup key must not be empty")
	}

	group, sessionCtx := d.session()
	ch := group.DoChan(key, func() (any, error) {
		return op(sessionCtx)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		val, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("dedup key %q reused with a different result type %T", key, res.Val)
		}
		if res.Shared {
			d.logger.Debug("coalesced fetch", "key", key)
		}

		return val, nil
	}
}
