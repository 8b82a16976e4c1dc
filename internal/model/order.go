package model

import (
	"slices"
	"strings"
	"time"
)

// SortConversations returns a copy of convs ordered by last message time
// descending (conversations without messages last), then by update time
// descending, then by id. The order is total, so ties never reshuffle.
func SortConversations(convs []Conversation) []Conversation {
	out := slices.Clone(convs)
	slices.SortStableFunc(out, compareConversations)
	return out
}

func compareConversations(a, b Conversation) int {
	switch {
	case a.LastMessageAt != nil && b.LastMessageAt == nil:
		return -1
	case a.LastMessageAt == nil && b.LastMessageAt != nil:
		return 1
	case a.LastMessageAt != nil && b.LastMessageAt != nil:
		if c := b.LastMessageAt.Compare(*a.LastMessageAt); c != 0 {
			return c
		}
	}
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortMessages returns a copy of msgs ordered by creation time ascending.
func SortMessages(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// UnreadCount counts messages authored by someone other than selfID that
// are newer than lastReadAt. A nil lastReadAt means nothing was read yet.
func UnreadCount(lastReadAt *time.Time, selfID string, msgs []MessagePreview) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID == selfID {
			continue
		}
		if lastReadAt == nil || m.CreatedAt.After(*lastReadAt) {
			n++
		}
	}
	return n
}
