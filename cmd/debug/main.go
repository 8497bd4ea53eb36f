package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chatsync/internal/app"
	"chatsync/internal/badges"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/events"
)

const (
	envBackendURL  = "CHATSYNC_BACKEND_URL"
	envAnonKey     = "CHATSYNC_ANON_KEY"
	envAccessToken = "CHATSYNC_ACCESS_TOKEN"

	fetchTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("run debug tool", "error", err)
		os.Exit(1)
	}
}

func run() error {
	token := flag.String("token", "", "access token (falls back to "+envAccessToken+")")
	conversation := flag.String("conversation", "", "conversation id to page history for and subscribe to")
	noSubscribe := flag.Bool("no-subscribe", false, "exit after the initial fetch instead of watching events")
	listenFor := flag.Duration("listen-for", 0, "listen duration, e.g. 30s")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional .env for local development; absence is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnvOverrides(&cfg)
	cfg.Logging.LogToFile = false
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("missing backend url: set %s or save backend.base_url in config", envBackendURL)
	}

	accessToken := strings.TrimSpace(*token)
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv(envAccessToken))
	}
	if accessToken == "" {
		return fmt.Errorf("missing access token: pass --token or set %s", envAccessToken)
	}

	rt, err := app.InitializeWith(ctx, paths, cfg)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()
	logger := rt.LogManager.Logger("cli")
	logger.Info("starting chatsync debug", "version", app.BuildVersionWithDate())

	if err := rt.Session.SignIn(ctx, accessToken); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	userID := rt.Session.UserID()
	logger.Info("session ready", "user_id", userID)

	fetchCtx, cancelFetch := context.WithTimeout(ctx, fetchTimeout)
	defer cancelFetch()

	summaries, err := rt.Engine.FetchConversations(fetchCtx, userID, cfg.Conversations.PageSize, 0)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	logger.Info("conversation list", "count", len(summaries))
	for _, summary := range summaries {
		logger.Info("conversation", "line", summaryLine(summary))
	}

	if target := strings.TrimSpace(*conversation); target != "" {
		page, err := rt.Engine.FetchMessages(fetchCtx, userID, target, cfg.Conversations.MessagePageSize, "")
		if err != nil {
			return fmt.Errorf("fetch messages for %s: %w", target, err)
		}
		logger.Info("message page", "conversation_id", target, "count", len(page.Messages), "has_more", page.HasMore)
		for _, msg := range page.Messages {
			logger.Info("message",
				"id", msg.ID,
				"sender_id", msg.SenderID,
				"kind", msg.Kind,
				"at", msg.CreatedAt.Format(time.RFC3339),
				"content", msg.Content,
			)
		}

		if !*noSubscribe {
			if _, err := rt.Realtime.SubscribeConversation(ctx, target); err != nil {
				logger.Warn("subscribe conversation channel", "conversation_id", target, "error", err)
			} else {
				logger.Info("subscribed to conversation channel", "conversation_id", target)
			}
		}
	}

	if *noSubscribe {
		logger.Info("no-subscribe mode completed, exiting")

		return nil
	}

	watch(ctx, rt.Bus, logger)
	rt.Badges.Refresh(ctx, badges.ReasonUserAction)

	if *listenFor > 0 {
		logger.Info("listen mode", "duration", *listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(*listenFor):
		}

		return nil
	}

	logger.Info("listening until interrupt")
	<-ctx.Done()

	return nil
}

func applyEnvOverrides(cfg *config.AppConfig) {
	if v := strings.TrimSpace(os.Getenv(envBackendURL)); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envAnonKey)); v != "" {
		cfg.Backend.AnonKey = v
	}
}

func summaryLine(summary domain.ConversationSummary) string {
	var b strings.Builder
	b.WriteString(summary.Conversation.ID)
	b.WriteString(" ")
	b.WriteString(summary.DisplayName)
	if summary.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d unread)", summary.UnreadCount)
	}
	if summary.LastMessage != nil {
		preview := summary.LastMessage.Content
		if len(preview) > 48 {
			preview = preview[:48] + "..."
		}
		fmt.Fprintf(&b, " last=%q", preview)
	}

	return b.String()
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	connSub := b.Subscribe(events.TopicConnStatus)
	changeSub := b.Subscribe(events.TopicChangeEvent)
	insertedSub := b.Subscribe(events.TopicMessageInserted)
	namesSub := b.Subscribe(events.TopicNamesResolved)
	badgeSub := b.Subscribe(events.TopicBadgeSnapshot)
	evictedSub := b.Subscribe(events.TopicChannelEvicted)
	syncSub := b.Subscribe(events.TopicConversationSync)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(connSub, events.TopicConnStatus)
				b.Unsubscribe(changeSub, events.TopicChangeEvent)
				b.Unsubscribe(insertedSub, events.TopicMessageInserted)
				b.Unsubscribe(namesSub, events.TopicNamesResolved)
				b.Unsubscribe(badgeSub, events.TopicBadgeSnapshot)
				b.Unsubscribe(evictedSub, events.TopicChannelEvicted)
				b.Unsubscribe(syncSub, events.TopicConversationSync)

				return
			case raw := <-connSub:
				if status, ok := raw.(events.ConnectionStatus); ok {
					logger.Info("conn", "state", status.State, "channels", status.Channels, "error", status.Err)
				}
			case raw := <-changeSub:
				if change, ok := raw.(events.ChangeEvent); ok {
					logger.Info("change", "channel", change.Channel, "table", change.Table, "type", change.Type)
				}
			case raw := <-insertedSub:
				if msg, ok := raw.(domain.Message); ok {
					logger.Info("message-inserted", "id", msg.ID, "conversation_id", msg.ConversationID)
				}
			case raw := <-namesSub:
				if resolved, ok := raw.(domain.ResolvedNames); ok {
					logger.Info("names-resolved", "count", len(resolved.Names))
				}
			case raw := <-badgeSub:
				if snap, ok := raw.(domain.BadgeSnapshot); ok {
					logger.Info("badges",
						"messages", snap.Counts.Messages,
						"requests", snap.Counts.Requests,
						"stale", snap.Counts.Stale,
					)
				}
			case raw := <-evictedSub:
				if evicted, ok := raw.(events.ChannelEvicted); ok {
					logger.Info("channel-evicted", "channel", evicted.Channel, "replaced_by", evicted.Replaced)
				}
			case raw := <-syncSub:
				if synced, ok := raw.(events.ConversationsSynced); ok {
					logger.Info("conversations-synced", "offset", synced.Offset, "count", synced.Count)
				}
			}
		}
	}()
}
