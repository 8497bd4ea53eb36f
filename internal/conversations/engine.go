package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/backend"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/dedup"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/ratelimit"
)

const (
	tableConversations = "conversations"
	tableParticipants  = "conversation_participants"
	tableMessages      = "messages"
	tableReactions     = "message_reactions"
	tableProfiles      = "profiles"

	rpcUnreadCounts = "unread_counts"

	maxContentLength  = 4000
	sideEffectTimeout = 10 * time.Second
)

var (
	// ErrNotParticipant rejects access to a conversation the user is
	// neither an active member of nor the creator of.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrRateLimited is the hard reject of the send throttle. Callers
	// surface a wait affordance; they must not retry in a loop.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput flags malformed identifiers or empty required
	// fields before any network call.
	ErrInvalidInput = errors.New("invalid input")
)

// RowAPI is the slice of the backend client the engine needs. The
// concrete *backend.Client satisfies it.
type RowAPI interface {
	Select(ctx context.Context, table string, q backend.Query, dest any) error
	Insert(ctx context.Context, table string, body, dest any) error
	Update(ctx context.Context, table string, q backend.Query, patch, dest any) error
	RPC(ctx context.Context, fn string, args, dest any) error
}

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	Rows          RowAPI
	Dedup         *dedup.Deduplicator
	Names         *domain.NameCache
	Limiter       *ratelimit.Limiter
	Bus           bus.MessageBus
	Conversations config.ConversationConfig
	RateLimits    config.RateLimitConfig
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

// Engine synchronizes conversation and message state with the backend:
// paginated list reads with batched enrichment, cursor-paged history,
// and the write path for sends, read marks and invites. Concurrent
// identical reads are coalesced through the deduplicator; writes go
// through the rate limiter.
type Engine struct {
	rows         RowAPI
	dedup        *dedup.Deduplicator
	names        *domain.NameCache
	limiter      *ratelimit.Limiter
	bus          bus.MessageBus
	cfg          config.ConversationConfig
	sendInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	conf := cfg.Conversations
	if conf.PageSize <= 0 {
		conf.PageSize = config.DefaultConversationPage
	}
	if conf.MessagePageSize <= 0 {
		conf.MessagePageSize = config.DefaultMessagePage
	}
	if conf.EnrichConcurrency <= 0 {
		conf.EnrichConcurrency = config.DefaultEnrichConcurrency
	}
	sendInterval := cfg.RateLimits.SendMessageInterval.Std()
	if sendInterval <= 0 {
		sendInterval = config.DefaultSendInterval
	}

	return &Engine{
		rows:         cfg.Rows,
		dedup:        cfg.Dedup,
		names:        cfg.Names,
		limiter:      cfg.Limiter,
		bus:          cfg.Bus,
		cfg:          conf,
		sendInterval: sendInterval,
		logger:       logger,
		now:          now,
		newID:        newID,
	}
}

type participantIDRow struct {
	ConversationID string `json:"conversation_id"`
}

type conversationIDRow struct {
	ID string `json:"id"`
}

type unreadCountRow struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// FetchConversations returns one page of the user's conversation list,
// ordered by last activity descending. The full candidate set is
// sorted before the page is sliced so consecutive pages never overlap
// or skip rows. Identical concurrent calls share one backend round
// trip. The backend's recursive-policy degraded mode yields an empty
// list, not an error.
func (e *Engine) FetchConversations(ctx context.Context, userID string, limit, offset int) ([]domain.ConversationSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	limit = e.clampPage(limit, e.cfg.PageSize)
	if offset < 0 {
		offset = 0
	}

	key := fmt.Sprintf("conversations:%s:%d:%d", userID, limit, offset)
	summaries, err := dedup.Fetch(ctx, e.dedup, key, func(opCtx context.Context) ([]domain.ConversationSummary, error) {
		return e.fetchConversationsPage(opCtx, userID, limit, offset)
	})
	if err != nil {
		if backend.IsPolicyRecursion(err) {
			e.logger.Warn("conversation list degraded by recursive policy, serving empty list", "user_id", userID)

			return []domain.ConversationSummary{}, nil
		}

		return nil, err
	}

	return summaries, nil
}

func (e *Engine) fetchConversationsPage(ctx context.Context, userID string, limit, offset int) ([]domain.ConversationSummary, error) {
	ids, err := e.conversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.ConversationSummary{}, nil
	}

	var candidates []domain.Conversation
	err = e.rows.Select(ctx, tableConversations, backend.Query{
		Filters: []backend.Filter{backend.In("id", ids)},
		Order:   []backend.Order{{Column: "updated_at", Descending: true}, {Column: "id", Descending: true}},
	}, &candidates)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	// Global order must hold across pages, so the whole candidate set
	// is sorted before slicing. The server already orders; sorting
	// locally keeps the tiebreak deterministic regardless.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].ID > candidates[j].ID
		}

		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})

	if offset >= len(candidates) {
		return []domain.ConversationSummary{}, nil
	}
	end := offset + limit
	if end > len(candidates) {
		end = len(candidates)
	}
	page := candidates[offset:end]

	summaries, err := e.enrichConversations(ctx, userID, page)
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.Publish(events.TopicConversationSync, events.ConversationsSynced{
			UserID: userID,
			Offset: offset,
			Count:  len(summaries),
		})
	}

	return summaries, nil
}

// conversationIDs resolves the set the user can see: participant
// membership unioned with conversations the user created. Two queries
// on purpose: a self-referential join on the ownership path trips the
// backend's recursive row policies.
func (e *Engine) conversationIDs(ctx context.Context, userID string) ([]string, error) {
	var memberRows []participantIDRow
	err := e.rows.Select(ctx, tableParticipants, backend.Query{
		Columns: "conversation_id",
		Filters: []backend.Filter{
			backend.Eq("user_id", userID),
			backend.Eq("is_active", "true"),
		},
	}, &memberRows)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	var createdRows []conversationIDRow
	err = e.rows.Select(ctx, tableConversations, backend.Query{
		Columns: "id",
		Filters: []backend.Filter{backend.Eq("created_by", userID)},
	}, &createdRows)
	if err != nil {
		return nil, fmt.Errorf("load created conversations: %w", err)
	}

	seen := make(map[string]struct{}, len(memberRows)+len(createdRows))
	ids := make([]string, 0, len(memberRows)+len(createdRows))
	for _, row := range memberRows {
		if _, ok := seen[row.ConversationID]; ok || row.ConversationID == "" {
			continue
		}
		seen[row.ConversationID] = struct{}{}
		ids = append(ids, row.ConversationID)
	}
	for _, row := range createdRows {
		if _, ok := seen[row.ID]; ok || row.ID == "" {
			continue
		}
		seen[row.ID] = struct{}{}
		ids = append(ids, row.ID)
	}

	return ids, nil
}

type nameJob struct {
	conv   domain.Conversation
	others []domain.Profile
}

// enrichConversations turns a page of raw conversation rows into
// summaries with one batched query per concern. Last messages load
// concurrently per conversation under the configured limit; unread
// counts, participants and profiles each take a single round trip.
func (e *Engine) enrichConversations(ctx context.Context, userID string, page []domain.Conversation) ([]domain.ConversationSummary, error) {
	if len(page) == 0 {
		return []domain.ConversationSummary{}, nil
	}
	pageIDs := make([]string, len(page))
	for i, conv := range page {
		pageIDs[i] = conv.ID
	}

	lastMessages := make([]*domain.Message, len(page))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.EnrichConcurrency)
	for i, conv := range page {
		g.Go(func() error {
			var rows []domain.Message
			err := e.rows.Select(gctx, tableMessages, backend.Query{
				Filters: []backend.Filter{backend.Eq("conversation_id", conv.ID)},
				Order:   []backend.Order{{Column: "created_at", Descending: true}},
				Limit:   1,
			}, &rows)
			if err != nil {
				return fmt.Errorf("load last message of %s: %w", conv.ID, err)
			}
			if len(rows) > 0 {
				lastMessages[i] = &rows[0]
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	unread := e.unreadCounts(ctx, userID, pageIDs)

	var participants []domain.Participant
	err := e.rows.Select(ctx, tableParticipants, backend.Query{
		Filters: []backend.Filter{
			backend.In("conversation_id", pageIDs),
			backend.Eq("is_active", "true"),
		},
	}, &participants)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	othersByConv := make(map[string][]string, len(page))
	otherIDs := make([]string, 0, len(participants))
	seenOther := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		othersByConv[p.ConversationID] = append(othersByConv[p.ConversationID], p.UserID)
		if _, ok := seenOther[p.UserID]; !ok {
			seenOther[p.UserID] = struct{}{}
			otherIDs = append(otherIDs, p.UserID)
		}
	}

	profilesByID := make(map[string]domain.Profile, len(otherIDs))
	if len(otherIDs) > 0 {
		var profiles []domain.Profile
		err := e.rows.Select(ctx, tableProfiles, backend.Query{
			Filters: []backend.Filter{backend.In("id", otherIDs)},
		}, &profiles)
		if err != nil {
			return nil, fmt.Errorf("load profiles: %w", err)
		}
		for _, p := range profiles {
			profilesByID[p.ID] = p
		}
	}

	summaries := make([]domain.ConversationSummary, 0, len(page))
	var pending []nameJob
	for i, conv := range page {
		others := make([]domain.Profile, 0, len(othersByConv[conv.ID]))
		for _, id := range othersByConv[conv.ID] {
			if profile, ok := profilesByID[id]; ok {
				others = append(others, profile)
			}
		}

		summary := domain.ConversationSummary{
			Conversation: conv,
			Others:       others,
			LastMessage:  lastMessages[i],
			UnreadCount:  unread[conv.ID],
		}
		if name, ok := e.names.DisplayName(conv.ID); ok {
			summary.DisplayName = name
		} else {
			// Never block the page on name resolution: serve the
			// placeholder now, resolve in the background.
			summary.DisplayName = domain.DisplayNamePlaceholder
			pending = append(pending, nameJob{conv: conv, others: others})
		}
		summaries = append(summaries, summary)
	}

	if len(pending) > 0 {
		go e.resolveNamesDetached(userID, pending)
	}

	return summaries, nil
}

// unreadCounts asks the batched aggregate function for per-conversation
// unread totals. A missing or broken function degrades to zero counts;
// the conversation list stays usable without badges.
func (e *Engine) unreadCounts(ctx context.Context, userID string, conversationIDs []string) map[string]int {
	var rows []unreadCountRow
	err := e.rows.RPC(ctx, rpcUnreadCounts, map[string]any{
		"p_user_id":          userID,
		"p_conversation_ids": conversationIDs,
	}, &rows)
	if err != nil {
		e.logger.Warn("unread counts unavailable, serving zeros", "error", err)

		return map[string]int{}
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.ConversationID] = row.UnreadCount
	}

	return counts
}

func (e *Engine) resolveNamesDetached(userID string, jobs []nameJob) {
	batch := make(map[string]string, len(jobs))
	for _, job := range jobs {
		batch[job.conv.ID] = domain.ComputeDisplayName(job.conv, job.others, userID)
	}
	e.names.SetDisplayNames(batch)
	if e.bus != nil {
		e.bus.Publish(events.TopicNamesResolved, domain.ResolvedNames{Names: batch})
	}
	e.logger.Debug("display names resolved", "count", len(batch))
}

// FetchMessages returns one window of conversation history in
// oldest-first display order. The caller must be an active participant
// or the creator; the check runs before any page query. beforeID pages
// backwards: every returned message strictly precedes the anchor's
// creation time.
func (e *Engine) FetchMessages(ctx context.Context, userID, conversationID string, limit int, beforeID string) (domain.MessagePage, error) {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return domain.MessagePage{}, fmt.Errorf("%w: user id and conversation id are required", ErrInvalidInput)
	}
	limit = e.clampPage(limit, e.cfg.MessagePageSize)

	if err := e.authorize(ctx, userID, conversationID); err != nil {
		return domain.MessagePage{}, err
	}

	key := fmt.Sprintf("messages:%s:%s:%d:%s", userID, conversationID, limit, beforeID)

	return dedup.Fetch(ctx, e.dedup, key, func(opCtx context.Context) (domain.MessagePage, error) {
		return e.fetchMessagePage(opCtx, conversationID, limit, beforeID)
	})
}

func (e *Engine) fetchMessagePage(ctx context.Context, conversationID string, limit int, beforeID string) (domain.MessagePage, error) {
	filters := []backend.Filter{backend.Eq("conversation_id", conversationID)}
	if beforeID != "" {
		anchor, err := e.messageCreatedAt(ctx, beforeID)
		if err != nil {
			return domain.MessagePage{}, err
		}
		filters = append(filters, backend.Lt("created_at", anchor.UTC().Format(time.RFC3339Nano)))
	}

	// limit+1 newest-first: the extra row is the cheap hasMore probe.
	var rows []domain.Message
	err := e.rows.Select(ctx, tableMessages, backend.Query{
		Filters: filters,
		Order:   []backend.Order{{Column: "created_at", Descending: true}, {Column: "id", Descending: true}},
		Limit:   limit + 1,
	}, &rows)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("load messages: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	reverseMessages(rows)

	if err := e.enrichMessages(ctx, rows); err != nil {
		return domain.MessagePage{}, err
	}

	page := domain.MessagePage{Messages: rows, HasMore: hasMore}
	if len(rows) > 0 {
		page.EndCursor = rows[0].ID
	}

	return page, nil
}

func (e *Engine) messageCreatedAt(ctx context.Context, messageID string) (time.Time, error) {
	var rows []domain.Message
	err := e.rows.Select(ctx, tableMessages, backend.Query{
		Columns: "id,created_at",
		Filters: []backend.Filter{backend.Eq("id", messageID)},
		Limit:   1,
	}, &rows)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor message: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, fmt.Errorf("%w: before message %s not found", ErrInvalidInput, messageID)
	}

	return rows[0].CreatedAt, nil
}

// enrichMessages attaches reactions and sender profiles with one
// batched query per concern, keyed by the page's IDs.
func (e *Engine) enrichMessages(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	messageIDs := make([]string, len(messages))
	senderIDs := make([]string, 0, len(messages))
	seenSender := make(map[string]struct{}, len(messages))
	for i, msg := range messages {
		messageIDs[i] = msg.ID
		if _, ok := seenSender[msg.SenderID]; !ok && msg.SenderID != "" {
			seenSender[msg.SenderID] = struct{}{}
			senderIDs = append(senderIDs, msg.SenderID)
		}
	}

	var reactions []domain.Reaction
	err := e.rows.Select(ctx, tableReactions, backend.Query{
		Filters: []backend.Filter{backend.In("message_id", messageIDs)},
	}, &reactions)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	reactionsByMessage := make(map[string][]domain.Reaction, len(messages))
	for _, r := range reactions {
		reactionsByMessage[r.MessageID] = append(reactionsByMessage[r.MessageID], r)
	}

	profilesByID := make(map[string]domain.Profile, len(senderIDs))
	if len(senderIDs) > 0 {
		var profiles []domain.Profile
		err := e.rows.Select(ctx, tableProfiles, backend.Query{
			Filters: []backend.Filter{backend.In("id", senderIDs)},
		}, &profiles)
		if err != nil {
			return fmt.Errorf("load sender profiles: %w", err)
		}
		for _, p := range profiles {
			profilesByID[p.ID] = p
		}
	}

	for i := range messages {
		messages[i].Reactions = reactionsByMessage[messages[i].ID]
		if profile, ok := profilesByID[messages[i].SenderID]; ok {
			sender := profile
			messages[i].Sender = &sender
		}
	}

	return nil
}

type messageInsert struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	Content        string             `json:"content"`
	Kind           domain.MessageKind `json:"message_type"`
}

// SendMessage validates, authorizes and throttles, then inserts the
// message under a client-generated ID and publishes it on the bus so
// list surfaces update without a refetch. The conversation activity
// bump is a detached side effect; its failure never fails the send.
func (e *Engine) SendMessage(ctx context.Context, userID, conversationID, content string, kind domain.MessageKind) (domain.Message, error) {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	content = strings.TrimSpace(content)
	if userID == "" || conversationID == "" {
		return domain.Message{}, fmt.Errorf("%w: user id and conversation id are required", ErrInvalidInput)
	}
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	}
	if len(content) > maxContentLength {
		return domain.Message{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, maxContentLength)
	}
	if kind == "" {
		kind = domain.MessageKindText
	}
	switch kind {
	case domain.MessageKindText, domain.MessageKindImage, domain.MessageKindSystem:
	default:
		return domain.Message{}, fmt.Errorf("%w: unknown message kind %q", ErrInvalidInput, kind)
	}

	if err := e.authorize(ctx, userID, conversationID); err != nil {
		return domain.Message{}, err
	}

	action := "send_message:" + conversationID
	if !e.limiter.CheckAndRecord(action, e.sendInterval) {
		wait := e.limiter.NextAllowed(action, e.sendInterval)

		return domain.Message{}, fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Millisecond))
	}

	message, err := e.insertMessage(ctx, messageInsert{
		ID:             e.newID(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		Kind:           kind,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}

	e.bumpActivityDetached(conversationID)
	if e.bus != nil {
		e.bus.Publish(events.TopicMessageInserted, message)
	}

	return message, nil
}

func (e *Engine) insertMessage(ctx context.Context, row messageInsert) (domain.Message, error) {
	var created []domain.Message
	if err := e.rows.Insert(ctx, tableMessages, []messageInsert{row}, &created); err != nil {
		return domain.Message{}, err
	}
	if len(created) > 0 {
		return created[0], nil
	}

	// No representation echoed; reconstruct locally so the caller and
	// the bus still see the row.
	return domain.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		Kind:           row.Kind,
		CreatedAt:      e.now().UTC(),
	}, nil
}

func (e *Engine) bumpActivityDetached(conversationID string) {
	stamp := e.now().UTC().Format(time.RFC3339Nano)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		err := e.rows.Update(ctx, tableConversations, backend.Query{
			Filters: []backend.Filter{backend.Eq("id", conversationID)},
		}, map[string]any{"updated_at": stamp}, nil)
		if err != nil {
			e.logger.Warn("conversation activity bump failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

// MarkAsRead advances the caller's read marker to now and broadcasts
// an optimistic badge clear. The next authoritative badge refresh
// reconciles any drift.
func (e *Engine) MarkAsRead(ctx context.Context, userID, conversationID string) error {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return fmt.Errorf("%w: user id and conversation id are required", ErrInvalidInput)
	}
	if err := e.authorize(ctx, userID, conversationID); err != nil {
		return err
	}

	patch := map[string]any{"last_read_at": e.now().UTC().Format(time.RFC3339Nano)}
	err := e.rows.Update(ctx, tableParticipants, backend.Query{
		Filters: []backend.Filter{
			backend.Eq("conversation_id", conversationID),
			backend.Eq("user_id", userID),
		},
	}, patch, nil)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicBadgeCleared, events.BadgeCleared{
			UserID:         userID,
			ConversationID: conversationID,
		})
	}

	return nil
}

type participantInsert struct {
	ConversationID string                 `json:"conversation_id"`
	UserID         string                 `json:"user_id"`
	Role           domain.ParticipantRole `json:"role"`
	IsActive       bool                   `json:"is_active"`
}

// AddParticipants invites users into a conversation. The cached
// display name is invalidated because the participant set defines it;
// the system announcement is fire-and-forget.
func (e *Engine) AddParticipants(ctx context.Context, userID, conversationID string, memberIDs []string) error {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return fmt.Errorf("%w: user id and conversation id are required", ErrInvalidInput)
	}
	inserts := make([]participantInsert, 0, len(memberIDs))
	seen := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == userID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		inserts = append(inserts, participantInsert{
			ConversationID: conversationID,
			UserID:         id,
			Role:           domain.ParticipantRoleMember,
			IsActive:       true,
		})
	}
	if len(inserts) == 0 {
		return fmt.Errorf("%w: no participants to add", ErrInvalidInput)
	}

	if err := e.authorize(ctx, userID, conversationID); err != nil {
		return err
	}

	if err := e.rows.Insert(ctx, tableParticipants, inserts, nil); err != nil {
		return fmt.Errorf("add participants: %w", err)
	}

	e.names.Invalidate(conversationID)
	e.announceDetached(userID, conversationID, len(inserts))

	return nil
}

func (e *Engine) announceDetached(userID, conversationID string, count int) {
	content := "A new participant joined the conversation"
	if count > 1 {
		content = fmt.Sprintf("%d new participants joined the conversation", count)
	}
	row := messageInsert{
		ID:             e.newID(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		Kind:           domain.MessageKindSystem,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := e.rows.Insert(ctx, tableMessages, []messageInsert{row}, nil); err != nil {
			e.logger.Warn("system announcement failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

// authorize fails fast with ErrNotParticipant unless the user is an
// active participant or the conversation creator.
func (e *Engine) authorize(ctx context.Context, userID, conversationID string) error {
	var member []participantIDRow
	err := e.rows.Select(ctx, tableParticipants, backend.Query{
		Columns: "conversation_id",
		Filters: []backend.Filter{
			backend.Eq("conversation_id", conversationID),
			backend.Eq("user_id", userID),
			backend.Eq("is_active", "true"),
		},
		Limit: 1,
	}, &member)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if len(member) > 0 {
		return nil
	}

	var owned []conversationIDRow
	err = e.rows.Select(ctx, tableConversations, backend.Query{
		Columns: "id",
		Filters: []backend.Filter{
			backend.Eq("id", conversationID),
			backend.Eq("created_by", userID),
		},
		Limit: 1,
	}, &owned)
	if err != nil {
		return fmt.Errorf("check ownership: %w", err)
	}
	if len(owned) > 0 {
		return nil
	}

	return ErrNotParticipant
}

func (e *Engine) clampPage(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > config.MaxPageSize {
		return config.MaxPageSize
	}

	return limit
}

func reverseMessages(messages []domain.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
