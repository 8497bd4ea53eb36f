package badges

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatsync/internal/backend"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRPC struct {
	mu    sync.Mutex
	calls int
	row   badgeCountsRow
	err   error
}

func (f *fakeRPC) RPC(_ context.Context, fn string, _, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if fn != rpcBadgeCounts {
		panic("unexpected rpc " + fn)
	}
	if f.err != nil {
		return f.err
	}
	raw, err := json.Marshal(f.row)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, dest)
}

func (f *fakeRPC) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func (f *fakeRPC) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRPC) setRow(row badgeCountsRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.row = row
}

type fakeBadgeRepo struct {
	mu    sync.Mutex
	saved map[string]domain.BadgeCounts
}

func newFakeBadgeRepo() *fakeBadgeRepo {
	return &fakeBadgeRepo{saved: make(map[string]domain.BadgeCounts)}
}

func (r *fakeBadgeRepo) Save(_ context.Context, userID string, counts domain.BadgeCounts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[userID] = counts.Clone()

	return nil
}

func (r *fakeBadgeRepo) Load(_ context.Context, userID string) (domain.BadgeCounts, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts, ok := r.saved[userID]

	return counts.Clone(), ok, nil
}

func (r *fakeBadgeRepo) DeleteAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = make(map[string]domain.BadgeCounts)

	return nil
}

type aggFixture struct {
	agg   *Aggregator
	rpc   *fakeRPC
	repo  *fakeBadgeRepo
	bus   *bus.PubSubBus
	clock *fakeClock
}

func newAggregatorFixture(t *testing.T) *aggFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	clock := &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	rpc := &fakeRPC{}
	repo := newFakeBadgeRepo()

	agg := NewAggregator(AggregatorConfig{
		RPC:     rpc,
		Limiter: ratelimit.New(),
		Bus:     b,
		Repo:    repo,
		Config: config.BadgeConfig{
			Debounce:            config.Duration(10 * time.Second),
			PollConnected:       config.Duration(30 * time.Second),
			PollDisconnected:    config.Duration(3 * time.Minute),
			SchemaBackoff:       config.Duration(10 * time.Minute),
			TransientBackoff:    config.Duration(30 * time.Second),
			TransientBackoffMax: config.Duration(8 * time.Minute),
			RecoveryThreshold:   3,
		},
		Logger: logger,
		Now:    clock.Now,
	})

	return &aggFixture{agg: agg, rpc: rpc, repo: repo, bus: b, clock: clock}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshAggregatesAllSurfacesInOneRoundTrip(t *testing.T) {
	fx := newAggregatorFixture(t)
	snapSub := fx.bus.Subscribe(events.TopicBadgeSnapshot)
	defer fx.bus.Unsubscribe(snapSub, events.TopicBadgeSnapshot)
	fx.agg.SetUser(context.Background(), "u1")

	// Three conversations with counts 2, 0 and 5 plus one pending
	// approval: totals come back in a single call.
	fx.rpc.setRow(badgeCountsRow{
		Requests:           1,
		Messages:           7,
		ConversationCounts: map[string]int{"conv-a": 2, "conv-b": 0, "conv-c": 5},
		RequestCounts:      map[string]int{"req-1": 1},
	})

	fx.agg.Refresh(context.Background(), ReasonForeground)

	if fx.rpc.callCount() != 1 {
		t.Fatalf("expected one rpc call, got %d", fx.rpc.callCount())
	}
	snap, ok := fx.agg.CurrentSnapshot()
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if snap.Requests != 1 || snap.Messages != 7 {
		t.Fatalf("unexpected totals %+v", snap)
	}
	if len(snap.ConversationCounts) != 2 || snap.ConversationCounts["conv-a"] != 2 || snap.ConversationCounts["conv-c"] != 5 {
		t.Fatalf("details must hold exactly the non-zero conversations, got %+v", snap.ConversationCounts)
	}
	if snap.Stale {
		t.Fatal("fresh fetch must not be stale")
	}

	select {
	case latest := <-fx.agg.Snapshots():
		if latest.Messages != 7 {
			t.Fatalf("unexpected channel snapshot %+v", latest)
		}
	default:
		t.Fatal("snapshot channel must hold the latest payload")
	}

	select {
	case raw := <-snapSub:
		published, ok := raw.(domain.BadgeSnapshot)
		if !ok || published.UserID != "u1" || published.Counts.Messages != 7 {
			t.Fatalf("unexpected bus snapshot %#v", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("badge snapshot never published")
	}
}

func TestRefreshIsDebouncedAcrossTriggerSources(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	ctx := context.Background()

	fx.agg.Refresh(ctx, ReasonForeground)
	fx.agg.Refresh(ctx, ReasonRealtime)
	fx.agg.Refresh(ctx, ReasonTimer)

	if got := fx.rpc.callCount(); got != 1 {
		t.Fatalf("burst within the debounce window must make one round trip, got %d", got)
	}

	fx.clock.Advance(10*time.Second + time.Millisecond)
	fx.agg.Refresh(ctx, ReasonTimer)
	if got := fx.rpc.callCount(); got != 2 {
		t.Fatalf("refresh after the window must fetch again, got %d calls", got)
	}
}

func TestSchemaMismatchServesLastKnownGoodAndBacksOff(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	ctx := context.Background()

	fx.rpc.setRow(badgeCountsRow{Messages: 7, ConversationCounts: map[string]int{"conv-a": 7}})
	fx.agg.Refresh(ctx, ReasonForeground)

	fx.clock.Advance(11 * time.Second)
	fx.rpc.setErr(&backend.Error{Status: 404, Code: "PGRST202", Message: "function not found"})
	fx.agg.Refresh(ctx, ReasonTimer)

	snap, ok := fx.agg.CurrentSnapshot()
	if !ok || !snap.Stale {
		t.Fatalf("expected stale snapshot after schema failure, got %+v", snap)
	}
	if snap.Messages != 7 {
		t.Fatalf("stale payload must keep the last-known-good counts, got %d", snap.Messages)
	}

	// Within the fixed schema backoff nothing is retried, even well
	// past the debounce window.
	fx.clock.Advance(5 * time.Minute)
	fx.agg.Refresh(ctx, ReasonTimer)
	if got := fx.rpc.callCount(); got != 2 {
		t.Fatalf("schema backoff must suppress retries, got %d calls", got)
	}

	fx.clock.Advance(6 * time.Minute)
	fx.rpc.setErr(nil)
	fx.agg.Refresh(ctx, ReasonTimer)
	if got := fx.rpc.callCount(); got != 3 {
		t.Fatalf("expected retry after the backoff window, got %d calls", got)
	}
	snap, _ = fx.agg.CurrentSnapshot()
	if snap.Stale {
		t.Fatal("staleness must clear on the next successful fetch")
	}
}

func TestFirstFailureServesZeroPayload(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	fx.rpc.setErr(&backend.Error{Status: 500, Message: "upstream down"})

	fx.agg.Refresh(context.Background(), ReasonForeground)

	snap, ok := fx.agg.CurrentSnapshot()
	if !ok {
		t.Fatal("expected a zero payload to exist")
	}
	if !snap.Stale || snap.Messages != 0 || snap.Requests != 0 {
		t.Fatalf("expected stale zero payload, got %+v", snap)
	}
}

func TestTransientBackoffGrowsWithConsecutiveFailures(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	fx.rpc.setErr(&backend.Error{Status: 503, Message: "overloaded"})
	ctx := context.Background()

	fx.agg.Refresh(ctx, ReasonTimer) // failure 1, backoff 30s
	if got := fx.rpc.callCount(); got != 1 {
		t.Fatalf("expected first attempt, got %d", got)
	}

	fx.clock.Advance(31 * time.Second)
	fx.agg.Refresh(ctx, ReasonTimer) // failure 2, backoff 60s
	if got := fx.rpc.callCount(); got != 2 {
		t.Fatalf("expected second attempt after 30s backoff, got %d", got)
	}

	fx.clock.Advance(45 * time.Second)
	fx.agg.Refresh(ctx, ReasonTimer) // still inside the 60s window
	if got := fx.rpc.callCount(); got != 2 {
		t.Fatalf("expected suppression inside the doubled window, got %d", got)
	}

	fx.clock.Advance(20 * time.Second)
	fx.agg.Refresh(ctx, ReasonTimer)
	if got := fx.rpc.callCount(); got != 3 {
		t.Fatalf("expected attempt after the doubled window, got %d", got)
	}
}

func TestUserActionThrottledSeparatelyFromTimer(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	ctx := context.Background()

	fx.agg.Refresh(ctx, ReasonUserAction)
	if got := fx.rpc.callCount(); got != 1 {
		t.Fatalf("first user refresh must run, got %d", got)
	}

	// The fake clock jumps past the debounce window, but the local
	// throttle on user-triggered refreshes has not elapsed.
	fx.clock.Advance(11 * time.Second)
	fx.agg.Refresh(ctx, ReasonUserAction)
	if got := fx.rpc.callCount(); got != 1 {
		t.Fatalf("user refresh must be throttled, got %d", got)
	}

	fx.agg.Refresh(ctx, ReasonTimer)
	if got := fx.rpc.callCount(); got != 2 {
		t.Fatalf("timer refresh must bypass the user throttle, got %d", got)
	}
}

func TestClearConversationDecrementsOptimistically(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	fx.rpc.setRow(badgeCountsRow{
		Messages:           7,
		ConversationCounts: map[string]int{"conv-a": 2, "conv-c": 5},
	})
	fx.agg.Refresh(context.Background(), ReasonForeground)

	fx.agg.ClearConversation("conv-c")

	snap, _ := fx.agg.CurrentSnapshot()
	if snap.Messages != 2 {
		t.Fatalf("expected total decremented to 2, got %d", snap.Messages)
	}
	if _, ok := snap.ConversationCounts["conv-c"]; ok {
		t.Fatal("cleared conversation must leave the detail map")
	}
	if snap.ConversationCounts["conv-a"] != 2 {
		t.Fatalf("other conversations must keep their counts, got %+v", snap.ConversationCounts)
	}

	// Clearing something unknown changes nothing.
	fx.agg.ClearConversation("conv-z")
	snap, _ = fx.agg.CurrentSnapshot()
	if snap.Messages != 2 {
		t.Fatalf("unknown conversation clear must be a no-op, got %d", snap.Messages)
	}
}

func TestSetUserRestoresPersistedSnapshotAsStale(t *testing.T) {
	fx := newAggregatorFixture(t)
	_ = fx.repo.Save(context.Background(), "u2", domain.BadgeCounts{
		Messages:           4,
		ConversationCounts: map[string]int{"conv-a": 4},
		FetchedAt:          time.Date(2026, 1, 9, 8, 0, 0, 0, time.UTC),
	})

	fx.agg.SetUser(context.Background(), "u2")

	snap, ok := fx.agg.CurrentSnapshot()
	if !ok {
		t.Fatal("expected restored snapshot")
	}
	if snap.Messages != 4 {
		t.Fatalf("expected persisted counts, got %+v", snap)
	}
	if !snap.Stale {
		t.Fatal("restored snapshot must be stale until the first authoritative fetch")
	}
}

func TestSignOutZeroesBadgeState(t *testing.T) {
	fx := newAggregatorFixture(t)
	ctx := context.Background()
	fx.agg.SetUser(ctx, "u1")
	fx.rpc.setRow(badgeCountsRow{Messages: 7, Requests: 2})
	fx.agg.Refresh(ctx, ReasonForeground)

	fx.agg.SetUser(ctx, "")

	snap, ok := fx.agg.CurrentSnapshot()
	if !ok {
		t.Fatal("expected zeroed snapshot")
	}
	if snap.Messages != 0 || snap.Requests != 0 {
		t.Fatalf("sign-out must zero all counts, got %+v", snap)
	}

	calls := fx.rpc.callCount()
	fx.agg.Refresh(ctx, ReasonTimer)
	if fx.rpc.callCount() != calls {
		t.Fatal("refresh without an identity must not call the backend")
	}
}

func TestRecoveryAfterFailuresResetsBackoff(t *testing.T) {
	fx := newAggregatorFixture(t)
	fx.agg.SetUser(context.Background(), "u1")
	ctx := context.Background()
	fx.rpc.setErr(&backend.Error{Status: 500})

	fx.agg.Refresh(ctx, ReasonTimer)
	fx.clock.Advance(31 * time.Second)
	fx.agg.Refresh(ctx, ReasonTimer)

	fx.clock.Advance(2 * time.Minute)
	fx.rpc.setErr(nil)
	fx.rpc.setRow(badgeCountsRow{Messages: 3})
	fx.agg.Refresh(ctx, ReasonTimer)

	snap, _ := fx.agg.CurrentSnapshot()
	if snap.Stale || snap.Messages != 3 {
		t.Fatalf("expected recovered snapshot, got %+v", snap)
	}

	// Backoff state is gone: the next window is the plain debounce.
	fx.clock.Advance(11 * time.Second)
	fx.agg.Refresh(ctx, ReasonTimer)
	snap, _ = fx.agg.CurrentSnapshot()
	if snap.Stale {
		t.Fatal("post-recovery refresh must not be stale")
	}
}

func TestRunLoopReactsToBusEvents(t *testing.T) {
	fx := newAggregatorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fx.rpc.setRow(badgeCountsRow{Messages: 5, ConversationCounts: map[string]int{"conv-a": 5}})

	fx.agg.Start(ctx)
	fx.agg.SetUser(ctx, "u1")

	// The identity wake triggers the first authoritative fetch.
	waitUntil(t, "identity-triggered refresh", func() bool {
		return fx.rpc.callCount() >= 1
	})
	waitUntil(t, "snapshot applied", func() bool {
		snap, ok := fx.agg.CurrentSnapshot()

		return ok && snap.Messages == 5
	})

	// An optimistic clear published by the sync engine is applied.
	fx.bus.Publish(events.TopicBadgeCleared, events.BadgeCleared{UserID: "u1", ConversationID: "conv-a"})
	waitUntil(t, "optimistic clear", func() bool {
		snap, _ := fx.agg.CurrentSnapshot()

		return snap.Messages == 0
	})
}
