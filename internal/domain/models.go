package domain

import "time"

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
	MessageKindImage  MessageKind = "image"
)

type ParticipantRole string

const (
	ParticipantRoleMember ParticipantRole = "member"
	ParticipantRoleAdmin  ParticipantRole = "admin"
)

// Profile is the public subset of a user row.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"message_type"`
	CreatedAt      time.Time   `json:"created_at"`

	// Filled locally by batched enrichment, never decoded from a row.
	Sender    *Profile   `json:"sender,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           ParticipantRole `json:"role"`
	IsActive       bool            `json:"is_active"`
	JoinedAt       time.Time       `json:"joined_at"`
	LastReadAt     *time.Time      `json:"last_read_at"`

	Profile *Profile `json:"profile,omitempty"`
}

// ConversationSummary is one row of the conversation list surface:
// server-authoritative conversation state joined locally with the
// display-name cache and unread counts.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	DisplayName  string       `json:"display_name"`
	Others       []Profile    `json:"others"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}

// MessagePage is one window of conversation history in oldest-first
// display order.
type MessagePage struct {
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"has_more"`
	EndCursor string    `json:"end_cursor"`
}

// BadgeCounts carries the per-surface unread totals plus the detail
// breakdowns one authoritative fetch returns. Stale marks payloads
// served from the last-known-good fallback instead of the server.
type BadgeCounts struct {
	Requests  int `json:"requests"`
	Messages  int `json:"messages"`
	Community int `json:"community"`
	Bell      int `json:"bell"`

	ConversationCounts map[string]int `json:"conversation_counts,omitempty"`
	RequestCounts      map[string]int `json:"request_counts,omitempty"`

	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Clone deep-copies the detail maps so optimistic mutations never leak
// into a shared snapshot.
func (b BadgeCounts) Clone() BadgeCounts {
	out := b
	if b.ConversationCounts != nil {
		out.ConversationCounts = make(map[string]int, len(b.ConversationCounts))
		for k, v := range b.ConversationCounts {
			out.ConversationCounts[k] = v
		}
	}
	if b.RequestCounts != nil {
		out.RequestCounts = make(map[string]int, len(b.RequestCounts))
		for k, v := range b.RequestCounts {
			out.RequestCounts[k] = v
		}
	}

	return out
}

// ResolvedNames is the bus payload carrying a batch of display names
// computed off the critical path.
type ResolvedNames struct {
	Names map[string]string
}
