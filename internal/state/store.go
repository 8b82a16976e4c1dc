// Package state holds the in-memory projection of the signed-in identity's
// conversations, messages and typing indicators.
//
// Every mutation replaces the affected slice or map with a new one; nothing
// handed out to readers is ever modified afterwards. The sync engine is the
// only writer.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// Store is the local state store.
type Store struct {
	mu sync.RWMutex

	conversations []model.Conversation
	messages      map[string][]model.Message
	typing        map[string]map[string]model.TypingIndicator
	activeID      string

	// selection is bumped by every Select; message fetches commit only
	// while it still matches.
	selection uint64
	// refresh is bumped by every BeginRefresh; conversation list fetches
	// commit only while it still matches.
	refresh uint64

	window time.Duration
}

// New creates an empty store. window is the similarity dedup window used
// when merging inbound messages.
func New(window time.Duration) *Store {
	if window <= 0 {
		window = model.DefaultDedupWindow
	}
	return &Store{
		messages: make(map[string][]model.Message),
		typing:   make(map[string]map[string]model.TypingIndicator),
		window:   window,
	}
}

// Snapshot is a consistent read of the store.
type Snapshot struct {
	Conversations []model.Conversation    `json:"conversations"`
	ActiveID      string                  `json:"active_id,omitempty"`
	Messages      []model.Message         `json:"messages"`
	Typing        []model.TypingIndicator `json:"typing"`
}

// Snapshot returns the conversation list, the active conversation and its
// messages and live typing indicators as of now.
func (s *Store) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Conversations: s.conversations,
		ActiveID:      s.activeID,
	}
	if s.activeID != "" {
		snap.Messages = s.messages[s.activeID]
		snap.Typing = liveTyping(s.typing[s.activeID], now)
	}
	return snap
}

// Conversations returns the ordered conversation list.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations
}

// Conversation returns the conversation with id.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return model.Conversation{}, false
	}
	return s.conversations[i], true
}

// Messages returns the messages held for a conversation, oldest first.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[conversationID]
}

// HasMessages reports whether messages were ever loaded for a conversation.
func (s *Store) HasMessages(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[conversationID]
	return ok
}

// ActiveID returns the selected conversation id, or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Select makes id the active conversation and returns the selection token
// a message fetch for it must present to CommitMessages.
func (s *Store) Select(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection++
	s.activeID = id
	return s.selection
}

// Selection returns the current selection token.
func (s *Store) Selection() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// CommitMessages stores msgs for conversationID if token is still the
// current selection. It reports whether the messages were committed.
func (s *Store) CommitMessages(token uint64, conversationID string, msgs []model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.selection || conversationID != s.activeID {
		return false
	}
	s.messages = withEntry(s.messages, conversationID, model.SortMessages(msgs))
	return true
}

// SetMessages stores msgs for conversationID unconditionally.
func (s *Store) SetMessages(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = withEntry(s.messages, conversationID, model.SortMessages(msgs))
}

// BeginRefresh returns the token a conversation list fetch must present
// to CommitConversations. Each call supersedes earlier tokens.
func (s *Store) BeginRefresh() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh++
	return s.refresh
}

// CommitConversations replaces the conversation list if token is still the
// latest refresh. Messages and typing state of conversations no longer in
// the list are dropped.
func (s *Store) CommitConversations(token uint64, list []model.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.refresh {
		return false
	}
	s.setConversations(list)
	return true
}

// SetConversations replaces the conversation list unconditionally.
func (s *Store) SetConversations(list []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConversations(list)
}

func (s *Store) setConversations(list []model.Conversation) {
	s.conversations = model.SortConversations(list)

	keep := make(map[string]bool, len(list))
	for _, c := range list {
		keep[c.ID] = true
	}
	msgs := make(map[string][]model.Message, len(s.messages))
	for id, m := range s.messages {
		if keep[id] {
			msgs[id] = m
		}
	}
	s.messages = msgs
	typing := make(map[string]map[string]model.TypingIndicator, len(s.typing))
	for id, t := range s.typing {
		if keep[id] {
			typing[id] = t
		}
	}
	s.typing = typing
}

// UpsertConversation inserts or replaces a conversation and re-sorts.
func (s *Store) UpsertConversation(c model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := slices.Clone(s.conversations)
	if i := s.indexOf(c.ID); i >= 0 {
		list[i] = c
	} else {
		list = append(list, c)
	}
	s.conversations = model.SortConversations(list)
}

// UpdateConversation applies fn to a copy of the conversation with id and
// stores the result. It reports whether the conversation exists.
func (s *Store) UpdateConversation(id string, fn func(*model.Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	list := slices.Clone(s.conversations)
	c := list[i]
	c.Participants = slices.Clone(c.Participants)
	fn(&c)
	list[i] = c
	s.conversations = model.SortConversations(list)
	return true
}

// RemoveConversation drops a conversation with its messages and typing
// state. The selection is cleared if it pointed at id.
func (s *Store) RemoveConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.conversations = slices.Delete(slices.Clone(s.conversations), i, i+1)
	s.messages = withoutKey(s.messages, id)
	s.typing = withoutKey(s.typing, id)
	if s.activeID == id {
		s.activeID = ""
		s.selection++
	}
	return true
}

// MarkRead zeroes the unread count of a conversation and records at as
// selfID's last read time.
func (s *Store) MarkRead(conversationID, selfID string, at time.Time) bool {
	return s.UpdateConversation(conversationID, func(c *model.Conversation) {
		c.UnreadCount = 0
		for i := range c.Participants {
			if c.Participants[i].UserID == selfID {
				t := at
				c.Participants[i].LastReadAt = &t
			}
		}
	})
}

// AppendMessage adds msg to its conversation without similarity matching.
// Used for optimistic entries, which must never collapse into each other.
func (s *Store) AppendMessage(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.messages[msg.ConversationID]
	out := make([]model.Message, 0, len(cur)+1)
	out = append(out, cur...)
	out = append(out, msg)
	s.messages = withEntry(s.messages, msg.ConversationID, model.SortMessages(out))
}

// MergeMessage merges an inbound message into its conversation, replacing
// an entry with the same id or a similar one within the dedup window. It
// reports whether an existing entry was replaced.
func (s *Store) MergeMessage(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, replaced := model.MergeMessage(s.messages[msg.ConversationID], msg, s.window)
	s.messages = withEntry(s.messages, msg.ConversationID, out)
	return replaced
}

// ReplaceOptimistic swaps the optimistic entry localID for the confirmed
// message. If the realtime echo already replaced it, the confirmed entry
// is refreshed instead, so the result holds exactly one copy.
func (s *Store) ReplaceOptimistic(localID string, confirmed model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	confirmed.LocalID = localID
	confirmed.Optimistic = false
	cur := s.messages[confirmed.ConversationID]
	out := make([]model.Message, 0, len(cur)+1)
	placed := false
	for _, m := range cur {
		switch {
		case m.ID == confirmed.ID || m.ID == localID:
			if !placed {
				out = append(out, confirmed)
				placed = true
			}
		default:
			out = append(out, m)
		}
	}
	if !placed {
		out = append(out, confirmed)
	}
	s.messages = withEntry(s.messages, confirmed.ConversationID, model.SortMessages(out))
}

// RemoveMessage drops the message with id from a conversation.
func (s *Store) RemoveMessage(conversationID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.messages[conversationID]
	i := slices.IndexFunc(cur, func(m model.Message) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	s.messages = withEntry(s.messages, conversationID, slices.Delete(slices.Clone(cur), i, i+1))
	return true
}

// UpdateMessage applies fn to a copy of the message with id.
func (s *Store) UpdateMessage(conversationID, id string, fn func(*model.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.messages[conversationID]
	i := slices.IndexFunc(cur, func(m model.Message) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	out := slices.Clone(cur)
	fn(&out[i])
	s.messages = withEntry(s.messages, conversationID, model.SortMessages(out))
	return true
}

// UpsertTyping records a typing indicator.
func (s *Store) UpsertTyping(t model.TypingIndicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.typing[t.ConversationID]
	next := make(map[string]model.TypingIndicator, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[t.UserID] = t
	s.typing = withEntry(s.typing, t.ConversationID, next)
}

// RemoveTyping drops a user's typing indicator.
func (s *Store) RemoveTyping(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.typing[conversationID]
	if _, ok := cur[userID]; !ok {
		return false
	}
	s.typing = withEntry(s.typing, conversationID, withoutKey(cur, userID))
	return true
}

// Typing returns the unexpired indicators of a conversation ordered by
// start time.
func (s *Store) Typing(conversationID string, now time.Time) []model.TypingIndicator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return liveTyping(s.typing[conversationID], now)
}

// PruneTyping drops every indicator expired at now and reports how many
// were removed.
func (s *Store) PruneTyping(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	next := make(map[string]map[string]model.TypingIndicator, len(s.typing))
	for conv, users := range s.typing {
		live := make(map[string]model.TypingIndicator, len(users))
		for id, t := range users {
			if t.Expired(now) {
				removed++
				continue
			}
			live[id] = t
		}
		if len(live) > 0 {
			next[conv] = live
		}
	}
	if removed > 0 {
		s.typing = next
	}
	return removed
}

// Reset clears everything. Used when the identity changes.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = nil
	s.messages = make(map[string][]model.Message)
	s.typing = make(map[string]map[string]model.TypingIndicator)
	s.activeID = ""
	s.selection++
	s.refresh++
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.conversations, func(c model.Conversation) bool { return c.ID == id })
}

func liveTyping(users map[string]model.TypingIndicator, now time.Time) []model.TypingIndicator {
	var out []model.TypingIndicator
	for _, t := range users {
		if !t.Expired(now) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b model.TypingIndicator) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.UserID < b.UserID {
			return -1
		}
		if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return out
}

func withEntry[V any](m map[string]V, key string, v V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, existing := range m {
		out[k] = existing
	}
	out[key] = v
	return out
}

func withoutKey[V any](m map[string]V, key string) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}
