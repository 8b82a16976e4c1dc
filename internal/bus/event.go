package bus

import "time"

// Event kinds published by the sync client.
const (
	// KindFeedChange carries a realtime.Change from the change feed.
	KindFeedChange = "feed.change"
	// KindFeedStatus carries a status.StatusChange of the feed.
	KindFeedStatus = "realtime.status_changed"
	// KindStateChanged is emitted after every committed mutation of local state.
	KindStateChanged = "state.changed"
	// KindToast carries a notify.Toast for the user.
	KindToast = "notify.toast"
	// KindSendState carries an outbox.SendUpdate.
	KindSendState = "outbox.send_state"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
