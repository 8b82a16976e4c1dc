package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is a Backend that queries the database directly. Every read
// aggregates to a single JSON document so it decodes into the same row
// types as the REST backend.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to postgres backend")
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) queryJSON(ctx context.Context, out any, sql string, args ...any) error {
	var data []byte
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&data); err != nil {
		return pgError(err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (p *Postgres) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return tag, pgError(err)
	}
	return tag, nil
}

const sqlConversationsWithDetails = `
SELECT coalesce(json_agg(c ORDER BY c.last_message_at DESC NULLS LAST, c.updated_at DESC), '[]'::json)
FROM (
	SELECT conv.*,
		(SELECT coalesce(json_agg(p), '[]'::json) FROM (
			SELECT cp.conversation_id, cp.user_id, cp.role, cp.last_read_at, cp.joined_at,
				row_to_json(pr) AS profiles
			FROM conversation_participants cp
			LEFT JOIN profiles pr ON pr.id = cp.user_id
			WHERE cp.conversation_id = conv.id
		) p) AS conversation_participants,
		(SELECT coalesce(json_agg(m), '[]'::json) FROM (
			SELECT id, conversation_id, sender_id, content, message_type, attachments, created_at
			FROM conversation_messages
			WHERE conversation_id = conv.id AND deleted_at IS NULL
			ORDER BY created_at DESC
			LIMIT $2
		) m) AS conversation_messages
	FROM conversations conv
	WHERE EXISTS (
		SELECT 1 FROM conversation_participants me
		WHERE me.conversation_id = conv.id AND me.user_id = $1
	)
) c`

func (p *Postgres) ConversationsWithDetails(ctx context.Context, userID string, recent int) ([]ConversationRow, error) {
	var rows []ConversationRow
	err := p.queryJSON(ctx, &rows, sqlConversationsWithDetails, userID, limitArg(recent))
	return rows, err
}

func (p *Postgres) MembershipsForUser(ctx context.Context, userID string) ([]ParticipantRow, error) {
	var rows []ParticipantRow
	err := p.queryJSON(ctx, &rows, `
SELECT coalesce(json_agg(cp), '[]'::json) FROM (
	SELECT conversation_id, user_id, role, last_read_at, joined_at
	FROM conversation_participants WHERE user_id = $1
) cp`, userID)
	return rows, err
}

func (p *Postgres) ConversationsByID(ctx context.Context, ids []string) ([]ConversationRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []ConversationRow
	err := p.queryJSON(ctx, &rows,
		`SELECT coalesce(json_agg(c), '[]'::json) FROM conversations c WHERE c.id = ANY($1)`, ids)
	return rows, err
}

func (p *Postgres) ParticipantsFor(ctx context.Context, conversationIDs []string) ([]ParticipantRow, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	var rows []ParticipantRow
	err := p.queryJSON(ctx, &rows, `
SELECT coalesce(json_agg(cp), '[]'::json) FROM (
	SELECT conversation_id, user_id, role, last_read_at, joined_at
	FROM conversation_participants WHERE conversation_id = ANY($1)
) cp`, conversationIDs)
	return rows, err
}

func (p *Postgres) Profiles(ctx context.Context, ids []string) ([]ProfileRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []ProfileRow
	err := p.queryJSON(ctx, &rows,
		`SELECT coalesce(json_agg(pr), '[]'::json) FROM profiles pr WHERE pr.id = ANY($1)`, ids)
	return rows, err
}

func (p *Postgres) RecentMessages(ctx context.Context, conversationIDs []string, perConversation int) ([]MessageRow, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	var rows []MessageRow
	err := p.queryJSON(ctx, &rows, `
SELECT coalesce(json_agg(m ORDER BY m.created_at DESC), '[]'::json) FROM (
	SELECT id, conversation_id, sender_id, content, message_type, attachments, created_at,
		row_number() OVER (PARTITION BY conversation_id ORDER BY created_at DESC) AS rn
	FROM conversation_messages
	WHERE conversation_id = ANY($1) AND deleted_at IS NULL
) m WHERE $2::int IS NULL OR m.rn <= $2::int`, conversationIDs, limitArg(perConversation))
	return rows, err
}

const sqlMessageWithSender = `to_jsonb(m) || jsonb_build_object('sender', to_jsonb(pr))`

func (p *Postgres) Messages(ctx context.Context, conversationID string) ([]MessageRow, error) {
	var rows []MessageRow
	err := p.queryJSON(ctx, &rows, `
SELECT coalesce(jsonb_agg(`+sqlMessageWithSender+` ORDER BY m.created_at), '[]'::jsonb)
FROM conversation_messages m
LEFT JOIN profiles pr ON pr.id = m.sender_id
WHERE m.conversation_id = $1 AND m.deleted_at IS NULL`, conversationID)
	return rows, err
}

func (p *Postgres) InsertMessage(ctx context.Context, in MessageInsert) (*MessageRow, error) {
	var row MessageRow
	err := p.queryJSON(ctx, &row, `
WITH m AS (
	INSERT INTO conversation_messages (conversation_id, sender_id, content, message_type, attachments, reply_to_id)
	VALUES ($1, $2, $3, $4, $5::jsonb, nullif($6::text, '')::uuid)
	RETURNING *
)
SELECT `+sqlMessageWithSender+` FROM m LEFT JOIN profiles pr ON pr.id = m.sender_id`,
		in.ConversationID, in.SenderID, in.Content, in.MessageType,
		string(EncodeAttachments(in.Attachments)), in.ReplyToID)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (p *Postgres) UpdateMessageContent(ctx context.Context, messageID, content string, at time.Time) (*MessageRow, error) {
	var row MessageRow
	err := p.queryJSON(ctx, &row, `
WITH m AS (
	UPDATE conversation_messages SET content = $2, edited_at = $3
	WHERE id = $1 RETURNING *
)
SELECT `+sqlMessageWithSender+` FROM m LEFT JOIN profiles pr ON pr.id = m.sender_id`,
		messageID, content, at.UTC())
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (p *Postgres) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) error {
	tag, err := p.exec(ctx, `UPDATE conversation_messages SET deleted_at = $2 WHERE id = $1`, messageID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &Error{Status: http.StatusNotFound, Code: "PGRST116", Message: "message not found"}
	}
	return nil
}

func (p *Postgres) GetOrCreateDirect(ctx context.Context, currentUserID, otherUserID, tenantID string) (string, error) {
	var raw json.RawMessage
	var err error
	if tenantID != "" {
		err = p.queryJSON(ctx, &raw, `
SELECT json_agg(r) FROM `+ProcGetOrCreateConversation+`(
	p_current_user_id => $1::uuid, p_other_user_id => $2::uuid, p_tenant_id => $3::uuid) AS r`,
			currentUserID, otherUserID, tenantID)
	} else {
		err = p.queryJSON(ctx, &raw, `
SELECT json_agg(r) FROM `+ProcGetOrCreateConversation+`(
	p_current_user_id => $1::uuid, p_other_user_id => $2::uuid) AS r`,
			currentUserID, otherUserID)
	}
	if err != nil {
		return "", err
	}
	return DecodeConversationID(raw)
}

func (p *Postgres) InsertConversation(ctx context.Context, in ConversationInsert) (*ConversationRow, error) {
	var row ConversationRow
	err := p.queryJSON(ctx, &row, `
INSERT INTO conversations (tenant_id, type, created_by)
VALUES (nullif($1::text, '')::uuid, $2, nullif($3::text, '')::uuid)
RETURNING to_jsonb(conversations)`, in.TenantID, string(in.Type), in.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (p *Postgres) UpsertParticipants(ctx context.Context, rows []ParticipantInsert) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
INSERT INTO conversation_participants (conversation_id, user_id, role)
VALUES ($1, $2, coalesce(nullif($3::text, ''), 'member'))
ON CONFLICT (conversation_id, user_id) DO NOTHING`, r.ConversationID, r.UserID, r.Role)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return pgError(err)
		}
	}
	return nil
}

func (p *Postgres) DeleteParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := p.exec(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	return err
}

func (p *Postgres) UpdateReadAt(ctx context.Context, conversationID, userID string, at time.Time) error {
	_, err := p.exec(ctx,
		`UPDATE conversation_participants SET last_read_at = $3 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at.UTC())
	return err
}

func (p *Postgres) UpsertTyping(ctx context.Context, row TypingRow) error {
	_, err := p.exec(ctx, `
INSERT INTO typing_indicators (conversation_id, user_id, started_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (conversation_id, user_id)
DO UPDATE SET started_at = excluded.started_at, expires_at = excluded.expires_at`,
		row.ConversationID, row.UserID, row.StartedAt.Value().UTC(), row.ExpiresAt.Value().UTC())
	return err
}

func (p *Postgres) DeleteTyping(ctx context.Context, conversationID, userID string) error {
	_, err := p.exec(ctx,
		`DELETE FROM typing_indicators WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	return err
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as
// unlimited.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

// pgError converts driver errors into *Error so classification works the
// same for both backends.
func pgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Status: http.StatusNotFound, Code: "PGRST116", Message: "no rows in result set"}
	}
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return err
	}
	return &Error{
		Status:  statusForSQLState(pe.Code),
		Code:    pe.Code,
		Message: pe.Message,
		Details: pe.Detail,
		Hint:    pe.Hint,
	}
}

func statusForSQLState(code string) int {
	switch code {
	case "42501":
		return http.StatusForbidden
	case "28000", "28P01":
		return http.StatusUnauthorized
	case "23505":
		return http.StatusConflict
	case "23503", "23502", "22P02":
		return http.StatusBadRequest
	}
	if len(code) >= 2 && code[:2] == "42" {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
