package remote

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/matheus3301/convsync/internal/model"
)

// ProfileRow is a row of the profiles table. Name columns vary between
// deployments, so every one of them is optional.
type ProfileRow struct {
	ID        string  `json:"id"`
	FullName  *string `json:"full_name,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Role      *string `json:"role,omitempty"`
	TenantID  *string `json:"tenant_id,omitempty"`
}

// ToProfile maps the row, resolving the display name through its fallback chain.
func (r *ProfileRow) ToProfile() *model.Profile {
	if r == nil {
		return nil
	}
	return &model.Profile{
		ID:        r.ID,
		FullName:  model.DisplayName(str(r.FullName), str(r.FirstName), str(r.LastName), str(r.Email)),
		AvatarURL: str(r.AvatarURL),
		Role:      str(r.Role),
		Email:     str(r.Email),
		TenantID:  str(r.TenantID),
	}
}

// ParticipantRow is a row of conversation_participants, optionally with the
// member's profile embedded.
type ParticipantRow struct {
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Role           *string     `json:"role,omitempty"`
	LastReadAt     *Time       `json:"last_read_at,omitempty"`
	JoinedAt       *Time       `json:"joined_at,omitempty"`
	Profile        *ProfileRow `json:"profiles,omitempty"`
}

// ToParticipant maps the row. An explicitly supplied profile overrides the
// embedded one.
func (r *ParticipantRow) ToParticipant(profile *model.Profile) model.Participant {
	if profile == nil {
		profile = r.Profile.ToProfile()
	}
	return model.Participant{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Role:           str(r.Role),
		Profile:        profile,
		LastReadAt:     r.LastReadAt.Ptr(),
		JoinedAt:       r.JoinedAt.Value(),
	}
}

// ConversationRow is a row of conversations. The nested variant carries
// participants and recent messages; the flat variant leaves them nil.
type ConversationRow struct {
	ID            string           `json:"id"`
	TenantID      *string          `json:"tenant_id,omitempty"`
	Type          *string          `json:"type,omitempty"`
	IsGroup       *bool            `json:"is_group,omitempty"`
	Title         *string          `json:"title,omitempty"`
	CreatedAt     *Time            `json:"created_at,omitempty"`
	UpdatedAt     *Time            `json:"updated_at,omitempty"`
	LastMessageAt *Time            `json:"last_message_at,omitempty"`
	Participants  []ParticipantRow `json:"conversation_participants,omitempty"`
	Messages      []MessageRow     `json:"conversation_messages,omitempty"`
}

// Kind resolves the conversation kind from either the type column or the
// legacy is_group flag. Conversations default to direct.
func (r *ConversationRow) Kind() model.ConversationKind {
	if r.Type != nil && *r.Type != "" {
		return model.ConversationKind(*r.Type)
	}
	if r.IsGroup != nil && *r.IsGroup {
		return model.KindGroup
	}
	return model.KindDirect
}

// ToConversation maps the row without participants or previews; callers
// attach those once joined.
func (r *ConversationRow) ToConversation() model.Conversation {
	created := r.CreatedAt.Value()
	updated := r.UpdatedAt.Value()
	if updated.IsZero() {
		updated = created
	}
	return model.Conversation{
		ID:            r.ID,
		TenantID:      str(r.TenantID),
		Kind:          r.Kind(),
		Title:         str(r.Title),
		CreatedAt:     created,
		UpdatedAt:     updated,
		LastMessageAt: r.LastMessageAt.Ptr(),
	}
}

// MessageRow is a row of conversation_messages, optionally with the sender
// profile embedded.
type MessageRow struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Content        *string         `json:"content,omitempty"`
	MessageType    *string         `json:"message_type,omitempty"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	ReplyToID      *string         `json:"reply_to_id,omitempty"`
	EditedAt       *Time           `json:"edited_at,omitempty"`
	DeletedAt      *Time           `json:"deleted_at,omitempty"`
	CreatedAt      *Time           `json:"created_at,omitempty"`
	Sender         *ProfileRow     `json:"sender,omitempty"`
}

// Deleted reports whether the row is soft-deleted.
func (r *MessageRow) Deleted() bool {
	return r.DeletedAt.Ptr() != nil
}

// ToMessage maps the row. An explicitly supplied sender profile overrides
// the embedded one. Attachments that cannot be decoded are dropped.
func (r *MessageRow) ToMessage(sender *model.Profile) model.Message {
	if sender == nil {
		sender = r.Sender.ToProfile()
	}
	msgType := str(r.MessageType)
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	return model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        str(r.Content),
		Type:           msgType,
		Attachments:    DecodeAttachments(r.Attachments),
		ReplyToID:      str(r.ReplyToID),
		EditedAt:       r.EditedAt.Ptr(),
		DeletedAt:      r.DeletedAt.Ptr(),
		CreatedAt:      r.CreatedAt.Value(),
		Sender:         sender,
	}
}

// ToPreview maps the row to a conversation preview.
func (r *MessageRow) ToPreview() model.MessagePreview {
	m := r.ToMessage(nil)
	return *m.Preview()
}

// TypingRow is a row of typing_indicators.
type TypingRow struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	StartedAt      *Time  `json:"started_at,omitempty"`
	ExpiresAt      *Time  `json:"expires_at,omitempty"`
}

// ToIndicator maps the row.
func (r *TypingRow) ToIndicator() model.TypingIndicator {
	return model.TypingIndicator{
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		StartedAt:      r.StartedAt.Value(),
		ExpiresAt:      r.ExpiresAt.Value(),
	}
}

// attachmentRow accepts every key spelling seen in stored attachments.
type attachmentRow struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Type         string         `json:"type"`
	URL          string         `json:"url"`
	FileURL      string         `json:"file_url"`
	PublicURL    string         `json:"public_url"`
	Name         string         `json:"name"`
	FileName     string         `json:"file_name"`
	Size         json.Number    `json:"size"`
	FileSize     json.Number    `json:"file_size"`
	MimeType     string         `json:"mime_type"`
	MimeTypeAlt  string         `json:"mimeType"`
	PreviewURL   string         `json:"preview_url"`
	ThumbnailURL string         `json:"thumbnail_url"`
	StoragePath  string         `json:"storage_path"`
	Path         string         `json:"path"`
	Duration     json.Number    `json:"duration"`
	Metadata     map[string]any `json:"metadata"`
}

func (a attachmentRow) toAttachment() model.Attachment {
	mime := firstNonEmpty(a.MimeType, a.MimeTypeAlt)
	kind := a.Kind
	if kind == "" && a.Type != "" && !strings.Contains(a.Type, "/") {
		kind = a.Type
	}
	if mime == "" && strings.Contains(a.Type, "/") {
		mime = a.Type
	}
	return model.NormalizeAttachment(model.Attachment{
		ID:          a.ID,
		Kind:        kind,
		URL:         firstNonEmpty(a.URL, a.FileURL, a.PublicURL),
		Name:        firstNonEmpty(a.Name, a.FileName),
		Size:        number(a.Size, a.FileSize),
		MimeType:    mime,
		PreviewURL:  firstNonEmpty(a.PreviewURL, a.ThumbnailURL),
		StoragePath: firstNonEmpty(a.StoragePath, a.Path),
		Duration:    float(a.Duration),
		Metadata:    a.Metadata,
	})
}

// DecodeAttachments decodes a stored attachments column. It accepts null,
// an array of objects, or a JSON string holding such an array.
func DecodeAttachments(raw json.RawMessage) []model.Attachment {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		return DecodeAttachments(json.RawMessage(inner))
	}
	var rows []attachmentRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	out := make([]model.Attachment, 0, len(rows))
	for _, r := range rows {
		a := r.toAttachment()
		if a.URL == "" && a.StoragePath == "" {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EncodeAttachments encodes attachments for an insert. Nil encodes as an
// empty array.
func EncodeAttachments(in []model.Attachment) json.RawMessage {
	if len(in) == 0 {
		return json.RawMessage("[]")
	}
	data, err := json.Marshal(in)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func number(vals ...json.Number) int64 {
	for _, v := range vals {
		if v == "" {
			continue
		}
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	}
	return 0
}

func float(v json.Number) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0
	}
	return f
}
