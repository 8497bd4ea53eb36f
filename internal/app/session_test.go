package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/internal/badges"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/dedup"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/persistence"
	"chatsync/internal/ratelimit"
	"chatsync/internal/realtime"
)

type stubFeed struct {
	mu     sync.Mutex
	joins  []string
	tokens []string
	events chan realtime.FeedEvent
}

func newStubFeed() *stubFeed {
	return &stubFeed{events: make(chan realtime.FeedEvent, 16)}
}

func (f *stubFeed) Start(context.Context) {}

func (f *stubFeed) Events() <-chan realtime.FeedEvent { return f.events }

func (f *stubFeed) Join(_ context.Context, topic string, _ realtime.ChangeFilter, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, topic)
	f.tokens = append(f.tokens, token)

	return nil
}

func (f *stubFeed) Leave(context.Context, string) error { return nil }

func (f *stubFeed) Connected() bool { return true }

func (f *stubFeed) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return ""
	}

	return f.tokens[len(f.tokens)-1]
}

type sessionFixture struct {
	session *Session
	manager *realtime.Manager
	feed    *stubFeed
	names   *domain.NameCache
	bus     *bus.PubSubBus
	repo    *persistence.NameRepo
	badges  *badges.Aggregator
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New(logger)
	t.Cleanup(b.Close)

	db, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	feed := newStubFeed()
	manager := realtime.NewManager(realtime.ManagerConfig{
		Feed:   feed,
		Bus:    b,
		Config: config.RealtimeConfig{MaxSubscriptions: 5},
		Logger: logger,
	})
	manager.Start(ctx)
	feed.events <- realtime.FeedEvent{Kind: realtime.FeedConnected}

	names := domain.NewNameCache()
	deduper := dedup.New(logger)
	t.Cleanup(deduper.Close)
	aggregator := badges.NewAggregator(badges.AggregatorConfig{
		Bus:    b,
		Repo:   persistence.NewBadgeRepo(db),
		Logger: logger,
	})

	session := NewSession(SessionConfig{
		Realtime: manager,
		Dedup:    deduper,
		Limiter:  ratelimit.New(),
		Names:    names,
		Badges:   aggregator,
		DB:       db,
		Bus:      b,
		Logger:   logger,
	})

	return &sessionFixture{
		session: session,
		manager: manager,
		feed:    feed,
		names:   names,
		bus:     b,
		repo:    persistence.NewNameRepo(db),
		badges:  aggregator,
	}
}

func signedToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject}
	if !expiresAt.IsZero() {
		claims["exp"] = expiresAt.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return token
}

func TestSignInInstallsIdentityAndCredential(t *testing.T) {
	fx := newSessionFixture(t)
	sessionSub := fx.bus.Subscribe(events.TopicSessionChanged)
	defer fx.bus.Unsubscribe(sessionSub, events.TopicSessionChanged)

	token := signedToken(t, "user-1", time.Now().Add(time.Hour))
	if err := fx.session.SignIn(context.Background(), token); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	if fx.session.Token() != token {
		t.Fatal("session must serve the installed token")
	}
	if fx.session.UserID() != "user-1" {
		t.Fatalf("unexpected user id %q", fx.session.UserID())
	}
	identity, ok := fx.session.Identity()
	if !ok || identity.UserID != "user-1" {
		t.Fatalf("unexpected identity %+v ok=%v", identity, ok)
	}

	select {
	case raw := <-sessionSub:
		ev, ok := raw.(events.SessionEvent)
		if !ok || !ev.SignedIn || ev.UserID != "user-1" {
			t.Fatalf("unexpected session event %#v", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session event never published")
	}
}

func TestSignInRejectsExpiredAndMalformedTokens(t *testing.T) {
	fx := newSessionFixture(t)

	if err := fx.session.SignIn(context.Background(), "not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
	expired := signedToken(t, "user-1", time.Now().Add(-time.Minute))
	if err := fx.session.SignIn(context.Background(), expired); err == nil {
		t.Fatal("expected error for expired token")
	}
	if fx.session.Token() != "" {
		t.Fatal("failed sign-in must not install a token")
	}
}

func TestTokenRotationKeepsSubscriptions(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()

	first := signedToken(t, "user-1", time.Now().Add(time.Hour))
	if err := fx.session.SignIn(ctx, first); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := fx.manager.SubscribeConversation(ctx, "c1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if fx.manager.Len() != 1 {
		t.Fatalf("expected one channel, got %d", fx.manager.Len())
	}

	second := signedToken(t, "user-1", time.Now().Add(2*time.Hour))
	if err := fx.session.SetToken(ctx, second); err != nil {
		t.Fatalf("rotate token: %v", err)
	}

	if fx.manager.Len() != 1 {
		t.Fatalf("rotation must keep channels, got %d", fx.manager.Len())
	}
	deadline := time.Now().Add(2 * time.Second)
	for fx.feed.lastToken() != second {
		if time.Now().After(deadline) {
			t.Fatal("rejoin never carried the rotated token")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fx.session.Token() != second {
		t.Fatal("session must serve the rotated token")
	}
}

func TestSignOutClearsEveryPerAccountSurface(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()

	token := signedToken(t, "user-1", time.Now().Add(time.Hour))
	if err := fx.session.SignIn(ctx, token); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := fx.manager.SubscribeConversation(ctx, "c1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fx.names.SetDisplayName("c1", "Alice")
	if err := fx.repo.UpsertBatch(ctx, map[string]string{"c1": "Alice"}); err != nil {
		t.Fatalf("seed db: %v", err)
	}

	if err := fx.session.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	if fx.session.Token() != "" || fx.session.UserID() != "" {
		t.Fatal("identity must be cleared")
	}
	if fx.manager.Len() != 0 {
		t.Fatalf("expected all channels dropped, got %d", fx.manager.Len())
	}
	if fx.names.Len() != 0 {
		t.Fatalf("expected name cache cleared, got %d entries", fx.names.Len())
	}
	persisted, err := fx.repo.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load names after sign-out: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("expected local database cleared, got %v", persisted)
	}
	snap, ok := fx.badges.CurrentSnapshot()
	if !ok || snap.Messages != 0 || snap.Requests != 0 {
		t.Fatalf("expected zeroed badge state, got %+v ok=%v", snap, ok)
	}
}

func TestSignInForDifferentUserTearsDownPreviousSession(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()

	if err := fx.session.SignIn(ctx, signedToken(t, "user-1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("first sign in: %v", err)
	}
	if _, err := fx.manager.SubscribeConversation(ctx, "c1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fx.names.SetDisplayName("c1", "Alice")

	if err := fx.session.SignIn(ctx, signedToken(t, "user-2", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("second sign in: %v", err)
	}

	if fx.session.UserID() != "user-2" {
		t.Fatalf("expected user-2, got %q", fx.session.UserID())
	}
	if fx.manager.Len() != 0 {
		t.Fatal("previous user's channels must not survive the switch")
	}
	if fx.names.Len() != 0 {
		t.Fatal("previous user's names must not survive the switch")
	}
}
