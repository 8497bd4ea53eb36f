package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/backend"
	"chatsync/internal/badges"
	"chatsync/internal/bus"
	"chatsync/internal/dedup"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/persistence"
	"chatsync/internal/ratelimit"
	"chatsync/internal/realtime"
)

// SessionConfig wires the collaborators a Session resets or rotates on
// identity transitions.
type SessionConfig struct {
	Realtime *realtime.Manager
	Dedup    *dedup.Deduplicator
	Limiter  *ratelimit.Limiter
	Names    *domain.NameCache
	Badges   *badges.Aggregator
	DB       *sql.DB
	Bus      bus.MessageBus
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session owns the signed-in identity and its credential. It is the
// backend client's token source, and it drives the strict teardown
// order on sign-out: no per-account state may survive into the next
// session.
type Session struct {
	realtime *realtime.Manager
	dedup    *dedup.Deduplicator
	limiter  *ratelimit.Limiter
	names    *domain.NameCache
	badges   *badges.Aggregator
	db       *sql.DB
	bus      bus.MessageBus
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	token    string
	identity backend.Identity
	signedIn bool
}

func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Session{
		realtime: cfg.Realtime,
		dedup:    cfg.Dedup,
		limiter:  cfg.Limiter,
		names:    cfg.Names,
		badges:   cfg.Badges,
		db:       cfg.DB,
		bus:      cfg.Bus,
		logger:   logger,
		now:      now,
	}
}

// Token implements backend.TokenSource. Empty means no session.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// UserID returns the signed-in subject, or empty when signed out.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.identity.UserID
}

// Identity returns the parsed claims of the current session.
func (s *Session) Identity() (backend.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.identity, s.signedIn
}

// SignIn installs an access token as the current session. Signing in
// over an existing session for a different user tears the old session
// down first; the same user just rotates the credential.
func (s *Session) SignIn(ctx context.Context, token string) error {
	identity, err := backend.ParseIdentity(token)
	if err != nil {
		return err
	}
	if identity.Expired(s.now()) {
		return fmt.Errorf("access token for %s expired at %s", identity.UserID, identity.ExpiresAt)
	}

	s.mu.Lock()
	previous := s.identity.UserID
	sameUser := s.signedIn && previous == identity.UserID
	s.mu.Unlock()

	if sameUser {
		return s.rotate(ctx, token, identity)
	}
	if previous != "" {
		if err := s.SignOut(ctx); err != nil {
			s.logger.Warn("sign-out before user switch was incomplete", "error", err)
		}
	}

	s.mu.Lock()
	s.token = token
	s.identity = identity
	s.signedIn = true
	s.mu.Unlock()

	s.realtime.RefreshAuth(ctx, token)
	s.badges.SetUser(ctx, identity.UserID)
	s.logger.Info("session started", "user_id", identity.UserID)
	s.publish(events.SessionEvent{UserID: identity.UserID, SignedIn: true})

	return nil
}

// SetToken rotates the credential of the current session. Live
// channel streams survive the swap; a token for a different subject is
// treated as a fresh sign-in.
func (s *Session) SetToken(ctx context.Context, token string) error {
	identity, err := backend.ParseIdentity(token)
	if err != nil {
		return err
	}
	if identity.Expired(s.now()) {
		return fmt.Errorf("access token for %s expired at %s", identity.UserID, identity.ExpiresAt)
	}

	s.mu.Lock()
	sameUser := s.signedIn && s.identity.UserID == identity.UserID
	s.mu.Unlock()
	if !sameUser {
		return s.SignIn(ctx, token)
	}

	return s.rotate(ctx, token, identity)
}

func (s *Session) rotate(ctx context.Context, token string, identity backend.Identity) error {
	s.mu.Lock()
	s.token = token
	s.identity = identity
	s.mu.Unlock()

	s.realtime.RefreshAuth(ctx, token)
	s.logger.Debug("session credential rotated", "user_id", identity.UserID)
	if s.bus != nil {
		s.bus.Publish(events.TopicTokenRefreshed, identity.UserID)
	}

	return nil
}

// SignOut clears every trace of the session in strict order: live
// channels first, then coalesced fetches, throttle windows, the name
// cache, the local database, and finally badge state. Steps run to
// completion even when an earlier one fails; the first failure is
// reported.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	userID := s.identity.UserID
	s.token = ""
	s.identity = backend.Identity{}
	s.signedIn = false
	s.mu.Unlock()

	var firstErr error

	s.realtime.UnsubscribeAll()
	s.dedup.Reset()
	s.limiter.ResetAll()
	s.names.Clear()
	if s.db != nil {
		if err := persistence.ClearDatabase(ctx, s.db); err != nil {
			s.logger.Error("clear local database on sign-out", "error", err)
			firstErr = err
		}
	}
	s.badges.SetUser(ctx, "")

	s.logger.Info("session ended", "user_id", userID)
	s.publish(events.SessionEvent{UserID: userID, SignedIn: false})

	return firstErr
}

func (s *Session) publish(ev events.SessionEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicSessionChanged, ev)
}
