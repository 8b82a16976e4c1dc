package model

import (
	"slices"
	"time"
)

// ConversationKind distinguishes one-to-one from multi-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageTypeText is the default message type tag.
const MessageTypeText = "text"

// Profile is the display snapshot of a user identity.
type Profile struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
	Email     string `json:"email,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
}

// Participant is a conversation-scoped membership record.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           string     `json:"role,omitempty"`
	Profile        *Profile   `json:"profile,omitempty"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
}

// MessagePreview is the denormalized last message of a conversation.
type MessagePreview struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the local projection of a remote conversation.
type Conversation struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id,omitempty"`
	Kind          ConversationKind `json:"kind"`
	Title         string           `json:"title,omitempty"`
	Participants  []Participant    `json:"participants"`
	LastMessage   *MessagePreview  `json:"last_message,omitempty"`
	UnreadCount   int              `json:"unread_count"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
}

// Participant returns the membership record for userID, if any.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// Attachment is a media item attached to a message.
type Attachment struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	URL         string         `json:"url"`
	Name        string         `json:"name,omitempty"`
	Size        int64          `json:"size,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	PreviewURL  string         `json:"preview_url,omitempty"`
	StoragePath string         `json:"storage_path,omitempty"`
	Duration    float64        `json:"duration,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Message is a single message in a conversation. A message is either
// optimistic (local id, unconfirmed) or confirmed (server id).
type Message struct {
	ID             string       `json:"id"`
	LocalID        string       `json:"local_id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Sender         *Profile     `json:"sender,omitempty"`
	Optimistic     bool         `json:"optimistic,omitempty"`
}

// Preview returns the denormalized preview of m.
func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}

// TypingIndicator marks a user as typing in a conversation until ExpiresAt.
type TypingIndicator struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the indicator is past its expiry at now.
func (t TypingIndicator) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// PendingSendIntent is the durable record of a send that has not been
// confirmed by the backend yet.
type PendingSendIntent struct {
	LocalID        string       `json:"local_id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	State          SendState    `json:"state"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
}

// SendState is the lifecycle of a single send action.
type SendState string

const (
	SendPending    SendState = "pending"
	SendSending    SendState = "sending"
	SendConfirmed  SendState = "confirmed"
	SendRolledBack SendState = "rolled_back"
)

var sendTransitions = map[SendState][]SendState{
	SendPending:    {SendSending},
	SendSending:    {SendConfirmed, SendRolledBack},
	SendRolledBack: {SendPending},
}

// CanTransition reports whether a send may move from s to next. A rolled
// back send re-enters through pending.
func (s SendState) CanTransition(next SendState) bool {
	return slices.Contains(sendTransitions[s], next)
}

// Identity is the signed-in user as supplied by the session provider.
type Identity struct {
	UserID   string  `json:"user_id"`
	TenantID string  `json:"tenant_id,omitempty"`
	Profile  Profile `json:"profile"`
}

// Valid reports whether the identity can act.
func (i Identity) Valid() bool {
	return i.UserID != ""
}

// Touch advances the conversation preview to msg unless a newer message is
// already shown.
func (c *Conversation) Touch(msg Message) {
	if c.LastMessageAt == nil || !msg.CreatedAt.Before(*c.LastMessageAt) {
		c.LastMessage = msg.Preview()
		t := msg.CreatedAt
		c.LastMessageAt = &t
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
}
