// Package remotetest provides an in-memory remote.Backend for tests.
package remotetest

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/remote"
)

// Backend is an in-memory backend holding flat table rows. Error fields
// inject failures; InsertErrs is consumed one entry per InsertMessage call.
type Backend struct {
	mu sync.Mutex

	Conversations []remote.ConversationRow
	Participants  []remote.ParticipantRow
	ProfileRows   []remote.ProfileRow
	MessageRows   []remote.MessageRow
	TypingRows    []remote.TypingRow

	NestedErr  error
	RPCErr     error
	ProfileErr error
	InsertErrs []error

	Now func() time.Time

	calls map[string]int
	seq   int
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{Now: time.Now, calls: make(map[string]int)}
}

// SchemaError is what a PostgREST backend returns when a relationship is
// missing.
func SchemaError() error {
	return &remote.Error{Status: http.StatusBadRequest, Code: "PGRST200",
		Message: "Could not find a relationship between 'conversations' and 'conversation_messages' in the schema cache"}
}

// Calls returns how many times method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *Backend) enter(method string) func() {
	b.mu.Lock()
	b.calls[method]++
	return b.mu.Unlock
}

func (b *Backend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

// AddProfile adds a profile row with a full name.
func (b *Backend) AddProfile(id, fullName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ProfileRows = append(b.ProfileRows, remote.ProfileRow{ID: id, FullName: &fullName})
}

// AddConversation adds a conversation and memberships for members.
func (b *Backend) AddConversation(id string, kind model.ConversationKind, createdAt time.Time, members ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(kind)
	b.Conversations = append(b.Conversations, remote.ConversationRow{
		ID: id, Type: &k, CreatedAt: remote.NewTime(createdAt), UpdatedAt: remote.NewTime(createdAt),
	})
	for _, m := range members {
		b.Participants = append(b.Participants, remote.ParticipantRow{
			ConversationID: id, UserID: m, JoinedAt: remote.NewTime(createdAt),
		})
	}
}

// SetLastRead sets a member's last read time.
func (b *Backend) SetLastRead(conversationID, userID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.Participants {
		if b.Participants[i].ConversationID == conversationID && b.Participants[i].UserID == userID {
			b.Participants[i].LastReadAt = remote.NewTime(at)
		}
	}
}

// AddMessage adds a message row and advances the conversation's
// last_message_at.
func (b *Backend) AddMessage(id, conversationID, senderID, content string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addMessage(remote.MessageRow{
		ID: id, ConversationID: conversationID, SenderID: senderID,
		Content: &content, CreatedAt: remote.NewTime(at),
	})
}

func (b *Backend) addMessage(row remote.MessageRow) {
	b.MessageRows = append(b.MessageRows, row)
	for i := range b.Conversations {
		if b.Conversations[i].ID == row.ConversationID {
			b.Conversations[i].LastMessageAt = row.CreatedAt
		}
	}
}

func (b *Backend) isMember(conversationID, userID string) bool {
	return slices.ContainsFunc(b.Participants, func(p remote.ParticipantRow) bool {
		return p.ConversationID == conversationID && p.UserID == userID
	})
}

func (b *Backend) profile(id string) *remote.ProfileRow {
	for i := range b.ProfileRows {
		if b.ProfileRows[i].ID == id {
			p := b.ProfileRows[i]
			return &p
		}
	}
	return nil
}

func (b *Backend) recent(conversationID string, limit int) []remote.MessageRow {
	var out []remote.MessageRow
	for _, m := range b.MessageRows {
		if m.ConversationID == conversationID && !m.Deleted() {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(x, y remote.MessageRow) int {
		return y.CreatedAt.Value().Compare(x.CreatedAt.Value())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *Backend) ConversationsWithDetails(_ context.Context, userID string, recent int) ([]remote.ConversationRow, error) {
	defer b.enter("ConversationsWithDetails")()
	if b.NestedErr != nil {
		return nil, b.NestedErr
	}
	var out []remote.ConversationRow
	for _, c := range b.Conversations {
		if !b.isMember(c.ID, userID) {
			continue
		}
		for _, p := range b.Participants {
			if p.ConversationID == c.ID {
				p.Profile = b.profile(p.UserID)
				c.Participants = append(c.Participants, p)
			}
		}
		c.Messages = b.recent(c.ID, recent)
		out = append(out, c)
	}
	return out, nil
}

func (b *Backend) MembershipsForUser(_ context.Context, userID string) ([]remote.ParticipantRow, error) {
	defer b.enter("MembershipsForUser")()
	var out []remote.ParticipantRow
	for _, p := range b.Participants {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Backend) ConversationsByID(_ context.Context, ids []string) ([]remote.ConversationRow, error) {
	defer b.enter("ConversationsByID")()
	var out []remote.ConversationRow
	for _, c := range b.Conversations {
		if slices.Contains(ids, c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *Backend) ParticipantsFor(_ context.Context, conversationIDs []string) ([]remote.ParticipantRow, error) {
	defer b.enter("ParticipantsFor")()
	var out []remote.ParticipantRow
	for _, p := range b.Participants {
		if slices.Contains(conversationIDs, p.ConversationID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Backend) Profiles(_ context.Context, ids []string) ([]remote.ProfileRow, error) {
	defer b.enter("Profiles")()
	if b.ProfileErr != nil {
		return nil, b.ProfileErr
	}
	var out []remote.ProfileRow
	for _, p := range b.ProfileRows {
		if slices.Contains(ids, p.ID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Backend) RecentMessages(_ context.Context, conversationIDs []string, perConversation int) ([]remote.MessageRow, error) {
	defer b.enter("RecentMessages")()
	var out []remote.MessageRow
	for _, id := range conversationIDs {
		out = append(out, b.recent(id, perConversation)...)
	}
	return out, nil
}

func (b *Backend) Messages(_ context.Context, conversationID string) ([]remote.MessageRow, error) {
	defer b.enter("Messages")()
	out := b.recent(conversationID, 0)
	slices.Reverse(out)
	for i := range out {
		out[i].Sender = b.profile(out[i].SenderID)
	}
	return out, nil
}

func (b *Backend) InsertMessage(_ context.Context, in remote.MessageInsert) (*remote.MessageRow, error) {
	defer b.enter("InsertMessage")()
	if len(b.InsertErrs) > 0 {
		err := b.InsertErrs[0]
		b.InsertErrs = b.InsertErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	content, msgType := in.Content, in.MessageType
	row := remote.MessageRow{
		ID:             b.nextID("srv"),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        &content,
		MessageType:    &msgType,
		Attachments:    remote.EncodeAttachments(in.Attachments),
		CreatedAt:      remote.NewTime(b.Now()),
	}
	if in.ReplyToID != "" {
		reply := in.ReplyToID
		row.ReplyToID = &reply
	}
	b.addMessage(row)
	row.Sender = b.profile(in.SenderID)
	return &row, nil
}

func (b *Backend) UpdateMessageContent(_ context.Context, messageID, content string, at time.Time) (*remote.MessageRow, error) {
	defer b.enter("UpdateMessageContent")()
	for i := range b.MessageRows {
		if b.MessageRows[i].ID == messageID {
			c := content
			b.MessageRows[i].Content = &c
			b.MessageRows[i].EditedAt = remote.NewTime(at)
			row := b.MessageRows[i]
			row.Sender = b.profile(row.SenderID)
			return &row, nil
		}
	}
	return nil, &remote.Error{Status: http.StatusNotFound, Code: "PGRST116", Message: "no rows"}
}

func (b *Backend) SoftDeleteMessage(_ context.Context, messageID string, at time.Time) error {
	defer b.enter("SoftDeleteMessage")()
	for i := range b.MessageRows {
		if b.MessageRows[i].ID == messageID {
			b.MessageRows[i].DeletedAt = remote.NewTime(at)
			return nil
		}
	}
	return &remote.Error{Status: http.StatusNotFound, Code: "PGRST116", Message: "no rows"}
}

func (b *Backend) GetOrCreateDirect(_ context.Context, currentUserID, otherUserID, tenantID string) (string, error) {
	defer b.enter("GetOrCreateDirect")()
	if b.RPCErr != nil {
		return "", b.RPCErr
	}
	var shared []remote.ConversationRow
	for _, c := range b.Conversations {
		if c.Kind() == model.KindDirect && b.isMember(c.ID, currentUserID) && b.isMember(c.ID, otherUserID) {
			shared = append(shared, c)
		}
	}
	if len(shared) > 0 {
		slices.SortFunc(shared, func(x, y remote.ConversationRow) int {
			if c := x.CreatedAt.Value().Compare(y.CreatedAt.Value()); c != 0 {
				return c
			}
			return cmp.Compare(x.ID, y.ID)
		})
		return shared[0].ID, nil
	}
	id := b.nextID("conv")
	k := string(model.KindDirect)
	now := remote.NewTime(b.Now())
	b.Conversations = append(b.Conversations, remote.ConversationRow{ID: id, Type: &k, CreatedAt: now, UpdatedAt: now})
	b.Participants = append(b.Participants,
		remote.ParticipantRow{ConversationID: id, UserID: currentUserID, JoinedAt: now},
		remote.ParticipantRow{ConversationID: id, UserID: otherUserID, JoinedAt: now})
	return id, nil
}

func (b *Backend) InsertConversation(_ context.Context, in remote.ConversationInsert) (*remote.ConversationRow, error) {
	defer b.enter("InsertConversation")()
	k := string(in.Type)
	now := remote.NewTime(b.Now())
	row := remote.ConversationRow{ID: b.nextID("conv"), Type: &k, CreatedAt: now, UpdatedAt: now}
	if in.TenantID != "" {
		t := in.TenantID
		row.TenantID = &t
	}
	b.Conversations = append(b.Conversations, row)
	return &row, nil
}

func (b *Backend) UpsertParticipants(_ context.Context, rows []remote.ParticipantInsert) error {
	defer b.enter("UpsertParticipants")()
	for _, r := range rows {
		if b.isMember(r.ConversationID, r.UserID) {
			continue
		}
		b.Participants = append(b.Participants, remote.ParticipantRow{
			ConversationID: r.ConversationID, UserID: r.UserID, JoinedAt: remote.NewTime(b.Now()),
		})
	}
	return nil
}

func (b *Backend) DeleteParticipant(_ context.Context, conversationID, userID string) error {
	defer b.enter("DeleteParticipant")()
	b.Participants = slices.DeleteFunc(b.Participants, func(p remote.ParticipantRow) bool {
		return p.ConversationID == conversationID && p.UserID == userID
	})
	return nil
}

func (b *Backend) UpdateReadAt(_ context.Context, conversationID, userID string, at time.Time) error {
	defer b.enter("UpdateReadAt")()
	for i := range b.Participants {
		if b.Participants[i].ConversationID == conversationID && b.Participants[i].UserID == userID {
			b.Participants[i].LastReadAt = remote.NewTime(at)
		}
	}
	return nil
}

func (b *Backend) UpsertTyping(_ context.Context, row remote.TypingRow) error {
	defer b.enter("UpsertTyping")()
	for i := range b.TypingRows {
		if b.TypingRows[i].ConversationID == row.ConversationID && b.TypingRows[i].UserID == row.UserID {
			b.TypingRows[i] = row
			return nil
		}
	}
	b.TypingRows = append(b.TypingRows, row)
	return nil
}

func (b *Backend) DeleteTyping(_ context.Context, conversationID, userID string) error {
	defer b.enter("DeleteTyping")()
	b.TypingRows = slices.DeleteFunc(b.TypingRows, func(r remote.TypingRow) bool {
		return r.ConversationID == conversationID && r.UserID == userID
	})
	return nil
}

var _ remote.Backend = (*Backend)(nil)
