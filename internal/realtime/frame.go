package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/events"
)

// Every message on the realtime socket is one JSON frame: a channel
// topic, an event name, an opaque payload and a ref echoed back in
// replies so requests can be matched to acknowledgments.

const (
	topicPhoenix = "phoenix"
	topicPrefix  = "realtime:"

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	replyStatusOK = "ok"
)

type outboundFrame struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

type inboundFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// ChangeFilter narrows a channel subscription to one table plus an
// optional server-side predicate in column=op.value form.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type changePayload struct {
	Data changeData `json:"data"`
}

type changeData struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// ChannelTopic maps a pool channel name onto its wire topic.
func ChannelTopic(name string) string {
	return topicPrefix + name
}

// ChannelName recovers the pool channel name from a wire topic.
func ChannelName(topic string) string {
	return strings.TrimPrefix(topic, topicPrefix)
}

func decodeChange(topic string, payload json.RawMessage) (events.ChangeEvent, error) {
	var body changePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return events.ChangeEvent{}, fmt.Errorf("decode change payload: %w", err)
	}

	changeType := events.ChangeType(strings.ToUpper(strings.TrimSpace(body.Data.Type)))
	switch changeType {
	case events.ChangeInsert, events.ChangeUpdate, events.ChangeDelete:
	default:
		return events.ChangeEvent{}, fmt.Errorf("unknown change type %q", body.Data.Type)
	}

	timestamp := time.Now().UTC()
	if body.Data.CommitTimestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, body.Data.CommitTimestamp); err == nil {
			timestamp = parsed
		}
	}

	return events.ChangeEvent{
		Channel:   ChannelName(topic),
		Table:     body.Data.Table,
		Type:      changeType,
		New:       body.Data.Record,
		Old:       body.Data.OldRecord,
		Timestamp: timestamp,
	}, nil
}
