package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// RecordIntent durably stores a send intent. Recording the same local id
// twice overwrites the earlier row.
func (db *DB) RecordIntent(in *model.PendingSendIntent) error {
	attachments, err := json.Marshal(in.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	state := in.State
	if state == "" {
		state = model.SendPending
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO pending_sends (local_id, conversation_id, sender_id, content, attachments, reply_to_id, state, attempts, last_error, client_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			content = excluded.content,
			attachments = excluded.attachments,
			reply_to_id = excluded.reply_to_id,
			state = excluded.state,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		in.LocalID, in.ConversationID, in.SenderID, in.Content, string(attachments), in.ReplyToID,
		string(state), in.Attempts, in.LastError, in.CreatedAt.UnixMilli(), now)
	return err
}

// MarkIntent records the state, attempt count and last error of an intent.
func (db *DB) MarkIntent(localID string, state model.SendState, attempts int, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE pending_sends SET state = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?`,
		string(state), attempts, lastErr, now, localID)
	return err
}

// DeleteIntent removes a confirmed intent. Deleting a missing row is not an error.
func (db *DB) DeleteIntent(localID string) error {
	_, err := db.Exec(`DELETE FROM pending_sends WHERE local_id = ?`, localID)
	return err
}

// GetIntent returns the intent with the given local id, or nil.
func (db *DB) GetIntent(localID string) (*model.PendingSendIntent, error) {
	row := db.QueryRow(`
		SELECT local_id, conversation_id, sender_id, content, attachments, reply_to_id, state, attempts, last_error, client_ts
		FROM pending_sends WHERE local_id = ?`, localID)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// ListIntents returns every stored intent, oldest first.
func (db *DB) ListIntents() ([]model.PendingSendIntent, error) {
	rows, err := db.Query(`
		SELECT local_id, conversation_id, sender_id, content, attachments, reply_to_id, state, attempts, last_error, client_ts
		FROM pending_sends ORDER BY client_ts ASC, local_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.PendingSendIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// IntentCount returns the number of stored intents.
func (db *DB) IntentCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_sends`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (*model.PendingSendIntent, error) {
	var (
		in          model.PendingSendIntent
		attachments string
		state       string
		clientTS    int64
	)
	if err := s.Scan(&in.LocalID, &in.ConversationID, &in.SenderID, &in.Content, &attachments,
		&in.ReplyToID, &state, &in.Attempts, &in.LastError, &clientTS); err != nil {
		return nil, err
	}
	if attachments != "" && attachments != "null" {
		if err := json.Unmarshal([]byte(attachments), &in.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %q: %w", in.LocalID, err)
		}
	}
	in.State = model.SendState(state)
	in.CreatedAt = time.UnixMilli(clientTS).UTC()
	return &in, nil
}
