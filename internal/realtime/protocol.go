// Package realtime subscribes to the backend's change feed over a
// websocket and republishes row changes on the bus.
//
// The wire protocol is Phoenix channels: every frame is a JSON object with
// topic, event, payload and ref. A topic is joined with phx_join carrying a
// postgres_changes configuration and kept alive with a heartbeat on the
// phoenix topic.
package realtime

import (
	"encoding/json"
	"time"
)

// EventType is the kind of row change.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
	// AnyEvent subscribes to every change type.
	AnyEvent EventType = "*"
)

// Change is one row change delivered by the feed.
type Change struct {
	Topic           string          `json:"-"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            EventType       `json:"type"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

// Subscription is one channel topic and the row changes it listens to.
type Subscription struct {
	Topic  string
	Schema string
	Table  string
	Events []EventType
	// Filter is an optional server-side row filter such as
	// "conversation_id=eq.<id>".
	Filter string
}

const (
	topicPhoenix = "phoenix"

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"
)

// frame is a Phoenix channel message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type changeFilter struct {
	Event  EventType `json:"event"`
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Filter string    `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data Change `json:"data"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func joinFrame(sub Subscription, token, ref string) frame {
	var p joinPayload
	schema := sub.Schema
	if schema == "" {
		schema = "public"
	}
	for _, ev := range sub.Events {
		p.Config.PostgresChanges = append(p.Config.PostgresChanges, changeFilter{
			Event: ev, Schema: schema, Table: sub.Table, Filter: sub.Filter,
		})
	}
	p.AccessToken = token
	data, _ := json.Marshal(p)
	return frame{Topic: sub.Topic, Event: eventJoin, Payload: data, Ref: &ref}
}

func heartbeatFrame(ref string) frame {
	return frame{Topic: topicPhoenix, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: &ref}
}

// IdentitySubscriptions returns the two subscriptions a signed-in user
// needs: message inserts and updates, and every typing indicator change.
func IdentitySubscriptions(userID string) []Subscription {
	return []Subscription{
		{
			Topic:  "realtime:conversation_messages:" + userID,
			Table:  "conversation_messages",
			Events: []EventType{Insert, Update},
		},
		{
			Topic:  "realtime:typing_indicators:" + userID,
			Table:  "typing_indicators",
			Events: []EventType{AnyEvent},
		},
	}
}

// DefaultHeartbeat is the heartbeat interval used when none is configured.
const DefaultHeartbeat = 30 * time.Second
