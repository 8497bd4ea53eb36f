package events

const (
	TopicConnStatus       = "conn.status"
	TopicChangeEvent      = "change.event"
	TopicMessageInserted  = "message.inserted"
	TopicConversationSync = "conversation.sync"
	TopicNamesResolved    = "names.resolved"
	TopicBadgeSnapshot    = "badge.snapshot"
	TopicBadgeCleared     = "badge.cleared"
	TopicChannelEvicted   = "channel.evicted"
	TopicSessionChanged   = "session.changed"
	TopicTokenRefreshed   = "token.refreshed"
)
