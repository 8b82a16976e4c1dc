// Package remote talks to the hosted relational backend that is the source
// of truth for conversations and messages. Two transports implement
// Backend: a PostgREST-style HTTP client and a direct Postgres pool.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// Table names of the remote schema.
const (
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "conversation_messages"
	TableTyping        = "typing_indicators"
	TableProfiles      = "profiles"

	// ProcGetOrCreateConversation atomically finds or creates the direct
	// conversation between two users.
	ProcGetOrCreateConversation = "get_or_create_conversation"
)

// Backend is the set of remote queries and writes the sync client needs.
type Backend interface {
	// ConversationsWithDetails returns the user's conversations with
	// participants, their profiles and recent messages embedded. It fails
	// with a schema error when the backend lacks the relationships.
	ConversationsWithDetails(ctx context.Context, userID string, recent int) ([]ConversationRow, error)

	MembershipsForUser(ctx context.Context, userID string) ([]ParticipantRow, error)
	ConversationsByID(ctx context.Context, ids []string) ([]ConversationRow, error)
	ParticipantsFor(ctx context.Context, conversationIDs []string) ([]ParticipantRow, error)
	Profiles(ctx context.Context, ids []string) ([]ProfileRow, error)
	RecentMessages(ctx context.Context, conversationIDs []string, perConversation int) ([]MessageRow, error)

	// Messages returns the non-deleted messages of a conversation, oldest
	// first, with sender profiles embedded.
	Messages(ctx context.Context, conversationID string) ([]MessageRow, error)
	InsertMessage(ctx context.Context, in MessageInsert) (*MessageRow, error)
	UpdateMessageContent(ctx context.Context, messageID, content string, at time.Time) (*MessageRow, error)
	SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) error

	GetOrCreateDirect(ctx context.Context, currentUserID, otherUserID, tenantID string) (string, error)
	InsertConversation(ctx context.Context, in ConversationInsert) (*ConversationRow, error)
	// UpsertParticipants inserts memberships, ignoring rows that already
	// exist for the same (conversation_id, user_id).
	UpsertParticipants(ctx context.Context, rows []ParticipantInsert) error
	DeleteParticipant(ctx context.Context, conversationID, userID string) error
	UpdateReadAt(ctx context.Context, conversationID, userID string, at time.Time) error

	UpsertTyping(ctx context.Context, row TypingRow) error
	DeleteTyping(ctx context.Context, conversationID, userID string) error
}

// MessageInsert is the payload of a new message.
type MessageInsert struct {
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	Content        string             `json:"content"`
	MessageType    string             `json:"message_type"`
	Attachments    []model.Attachment `json:"-"`
	ReplyToID      string             `json:"reply_to_id,omitempty"`
}

// MarshalJSON encodes attachments as an array even when empty.
func (in MessageInsert) MarshalJSON() ([]byte, error) {
	type plain MessageInsert
	return json.Marshal(struct {
		plain
		Attachments json.RawMessage `json:"attachments"`
	}{plain(in), EncodeAttachments(in.Attachments)})
}

// ConversationInsert is the payload of a new conversation.
type ConversationInsert struct {
	TenantID  string                 `json:"tenant_id,omitempty"`
	Type      model.ConversationKind `json:"type"`
	CreatedBy string                 `json:"created_by,omitempty"`
}

// ParticipantInsert is the payload of a new membership.
type ParticipantInsert struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role,omitempty"`
}

// Error is a failure reported by the backend.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Code != "" {
		return fmt.Sprintf("remote error %s (status %d): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("remote error (status %d): %s", e.Status, msg)
}

// HTTPStatus returns the transport status of the failure.
func (e *Error) HTTPStatus() int {
	return e.Status
}
