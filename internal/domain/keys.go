package domain

import "strings"

const (
	conversationChannelPrefix = "conversation:"
	typingChannelPrefix       = "typing:"
	badgeChannelPrefix        = "badges:"
)

func ConversationChannelKey(conversationID string) string {
	return conversationChannelPrefix + conversationID
}

func TypingChannelKey(conversationID string) string {
	return typingChannelPrefix + conversationID
}

func BadgeChannelKey(userID string) string {
	return badgeChannelPrefix + userID
}

func IsConversationChannelKey(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), conversationChannelPrefix)
}

// ConversationIDFromChannelKey recovers the conversation behind a
// conversation or typing channel key, empty for anything else.
func ConversationIDFromChannelKey(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case strings.HasPrefix(key, conversationChannelPrefix):
		return strings.TrimPrefix(key, conversationChannelPrefix)
	case strings.HasPrefix(key, typingChannelPrefix):
		return strings.TrimPrefix(key, typingChannelPrefix)
	default:
		return ""
	}
}
