package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/outbox"
)

// Error is an error response from the daemon.
type Error struct {
	Status   int
	Category apperr.Category
	Message  string
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus returns the response status.
func (e *Error) HTTPStatus() int { return e.Status }

// Client talks to a daemon over its Unix socket.
type Client struct {
	http    *http.Client
	baseURL string
}

// Dial returns a client for the daemon listening on socketPath.
func Dial(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: transport}, baseURL: "http://convsyncd"}
}

// NewClient returns a client for a daemon reachable at baseURL.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/")}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Message == "" {
			return &Error{Status: resp.StatusCode, Category: apperr.Unknown, Message: resp.Status}
		}
		return &Error{Status: resp.StatusCode, Category: eb.Error.Category, Message: eb.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func convPath(id string, rest ...string) string {
	p := "/v1/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// Status returns the session status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations returns the conversation list, fetching it first when
// refresh is set.
func (c *Client) Conversations(ctx context.Context, refresh bool) ([]model.Conversation, error) {
	path := "/v1/conversations"
	if refresh {
		path += "?refresh=true"
	}
	var out ConversationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Sync reloads the conversation list.
func (c *Client) Sync(ctx context.Context) ([]model.Conversation, error) {
	var out ConversationsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Start returns the direct conversation with userID.
func (c *Client) Start(ctx context.Context, userID string) (string, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", StartRequest{UserID: userID}, &out); err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

// Open selects a conversation and returns its messages.
func (c *Client) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out MessagesResponse
	if err := c.do(ctx, http.MethodPost, convPath(conversationID, "open"), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CloseConversation clears the selection.
func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, convPath(conversationID, "close"), nil, nil)
}

// Messages returns the loaded messages of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) (*MessagesResponse, error) {
	var out MessagesResponse
	if err := c.do(ctx, http.MethodGet, convPath(conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send sends a message. It returns nil for an empty draft.
func (c *Client) Send(ctx context.Context, d outbox.Draft) (*model.Message, error) {
	var out model.Message
	req := SendRequest{Content: d.Content, Attachments: d.Attachments, ReplyToID: d.ReplyToID}
	if err := c.do(ctx, http.MethodPost, convPath(d.ConversationID, "messages"), req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// Edit replaces a message's content.
func (c *Client) Edit(ctx context.Context, conversationID, messageID, content string) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPatch, convPath(conversationID, "messages", messageID), EditRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete soft-deletes a message.
func (c *Client) Delete(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodDelete, convPath(conversationID, "messages", messageID), nil, nil)
}

// MarkRead marks a conversation read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, convPath(conversationID, "read"), nil, nil)
}

// SetTyping sets or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, conversationID string, active bool) error {
	return c.do(ctx, http.MethodPost, convPath(conversationID, "typing"), TypingRequest{Active: active}, nil)
}

// Leave leaves a conversation.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, convPath(conversationID, "membership"), nil, nil)
}

// Pending lists unconfirmed sends.
func (c *Client) Pending(ctx context.Context) ([]model.PendingSendIntent, error) {
	var out PendingResponse
	if err := c.do(ctx, http.MethodGet, "/v1/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

// RetryPending retries every unconfirmed send once.
func (c *Client) RetryPending(ctx context.Context) (outbox.Result, error) {
	var out outbox.Result
	err := c.do(ctx, http.MethodPost, "/v1/pending/retry", nil, &out)
	return out, err
}

// StreamEvent is an event received from the stream. Payload is left raw
// for the caller to decode by kind.
type StreamEvent struct {
	EventID    string          `json:"event_id"`
	Session    string          `json:"session"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Events streams daemon events whose kind starts with one of kinds (all
// when empty) to fn until ctx is done, the stream ends or fn returns
// false.
func (c *Client) Events(ctx context.Context, kinds []string, fn func(StreamEvent) bool) error {
	path := "/v1/events"
	if len(kinds) > 0 {
		path += "?kinds=" + url.QueryEscape(strings.Join(kinds, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &Error{Status: resp.StatusCode, Category: apperr.Unknown, Message: resp.Status}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt StreamEvent
			err := json.Unmarshal([]byte(data.String()), &evt)
			data.Reset()
			if err != nil {
				continue
			}
			if !fn(evt) {
				return nil
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
