package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/convsync/internal/apperr"
)

// RESTConfig configures the PostgREST-style HTTP backend.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	// Token returns the bearer token of the signed-in identity. When nil
	// the API key is used as the bearer.
	Token   func() string
	Schema  string
	Timeout time.Duration
}

// REST is a Backend speaking the PostgREST dialect under /rest/v1.
type REST struct {
	cfg    RESTConfig
	http   *http.Client
	logger *zap.Logger
}

// NewREST creates a REST backend.
func NewREST(cfg RESTConfig, logger *zap.Logger) *REST {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &REST{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer []string
}

func (c *REST) do(ctx context.Context, r request, out any) error {
	u := c.cfg.BaseURL + "/rest/v1/" + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", r.path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Schema != "" {
		if r.method == http.MethodGet {
			req.Header.Set("Accept-Profile", c.cfg.Schema)
		} else {
			req.Header.Set("Content-Profile", c.cfg.Schema)
		}
	}
	if len(r.prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(r.prefer, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.path, err)
	}
	return nil
}

func (c *REST) bearer() string {
	if c.cfg.Token != nil {
		if t := c.cfg.Token(); t != "" {
			return t
		}
	}
	return c.cfg.APIKey
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(data, e); err != nil || e.Message == "" {
		var alt struct {
			Msg              string `json:"msg"`
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(data, &alt)
		e.Message = firstNonEmpty(alt.Msg, alt.ErrorDescription, alt.Error, strings.TrimSpace(string(data)), resp.Status)
	}
	return e
}

// inList renders a PostgREST in.(...) filter value.
func inList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

const (
	profileColumns     = "id,full_name,first_name,last_name,email,avatar_url,role,tenant_id"
	previewColumns     = "id,conversation_id,sender_id,content,message_type,attachments,created_at"
	participantColumns = "conversation_id,user_id,role,last_read_at,joined_at"

	recentFetchConcurrency = 4
)

func (c *REST) ConversationsWithDetails(ctx context.Context, userID string, recent int) ([]ConversationRow, error) {
	q := url.Values{}
	q.Set("select", "*,me:"+TableParticipants+"!inner(user_id),"+
		TableParticipants+"("+participantColumns+","+TableProfiles+"("+profileColumns+")),"+
		TableMessages+"("+previewColumns+")")
	q.Set("me.user_id", "eq."+userID)
	q.Set(TableMessages+".deleted_at", "is.null")
	q.Set(TableMessages+".order", "created_at.desc")
	if recent > 0 {
		q.Set(TableMessages+".limit", strconv.Itoa(recent))
	}
	q.Set("order", "last_message_at.desc.nullslast,updated_at.desc")

	var rows []ConversationRow
	err := c.do(ctx, request{method: http.MethodGet, path: TableConversations, query: q}, &rows)
	return rows, err
}

func (c *REST) MembershipsForUser(ctx context.Context, userID string) ([]ParticipantRow, error) {
	q := url.Values{}
	q.Set("select", participantColumns)
	q.Set("user_id", "eq."+userID)
	var rows []ParticipantRow
	err := c.do(ctx, request{method: http.MethodGet, path: TableParticipants, query: q}, &rows)
	return rows, err
}

func (c *REST) ConversationsByID(ctx context.Context, ids []string) ([]ConversationRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", inList(ids))
	var rows []ConversationRow
	err := c.do(ctx, request{method: http.MethodGet, path: TableConversations, query: q}, &rows)
	return rows, err
}

func (c *REST) ParticipantsFor(ctx context.Context, conversationIDs []string) ([]ParticipantRow, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("select", participantColumns)
	q.Set("conversation_id", inList(conversationIDs))
	var rows []ParticipantRow
	err := c.do(ctx, request{method: http.MethodGet, path: TableParticipants, query: q}, &rows)
	return rows, err
}

func (c *REST) Profiles(ctx context.Context, ids []string) ([]ProfileRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("select", profileColumns)
	q.Set("id", inList(ids))
	var rows []ProfileRow
	err := c.do(ctx, request{method: http.MethodGet, path: TableProfiles, query: q}, &rows)
	return rows, err
}

// RecentMessages fetches up to perConversation newest rows of every
// conversation, one request each, so a busy conversation cannot starve the
// others of their previews.
func (c *REST) RecentMessages(ctx context.Context, conversationIDs []string, perConversation int) ([]MessageRow, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	results := make([][]MessageRow, len(conversationIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recentFetchConcurrency)
	for i, id := range conversationIDs {
		g.Go(func() error {
			q := url.Values{}
			q.Set("select", previewColumns)
			q.Set("conversation_id", "eq."+id)
			q.Set("deleted_at", "is.null")
			q.Set("order", "created_at.desc")
			if perConversation > 0 {
				q.Set("limit", strconv.Itoa(perConversation))
			}
			return c.do(gctx, request{method: http.MethodGet, path: TableMessages, query: q}, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var rows []MessageRow
	for _, r := range results {
		rows = append(rows, r...)
	}
	return rows, nil
}

const messageSelect = "*,sender:" + TableProfiles + "!sender_id(" + profileColumns + ")"

func (c *REST) Messages(ctx context.Context, conversationID string) ([]MessageRow, error) {
	q := url.Values{}
	q.Set("select", messageSelect)
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("deleted_at", "is.null")
	q.Set("order", "created_at.asc")
	var rows []MessageRow
	err := c.do(ctx, request{method: http.MethodGet, path: TableMessages, query: q}, &rows)
	if err != nil && apperr.IsSchemaMismatch(err) {
		// Without the sender relationship the caller resolves profiles itself.
		c.logger.Debug("sender embed unavailable, fetching bare messages", zap.Error(err))
		q.Set("select", "*")
		rows = nil
		err = c.do(ctx, request{method: http.MethodGet, path: TableMessages, query: q}, &rows)
	}
	return rows, err
}

func (c *REST) InsertMessage(ctx context.Context, in MessageInsert) (*MessageRow, error) {
	return c.writeMessage(ctx, request{
		method: http.MethodPost, path: TableMessages, body: in,
		prefer: []string{"return=representation"},
	}, url.Values{})
}

func (c *REST) UpdateMessageContent(ctx context.Context, messageID, content string, at time.Time) (*MessageRow, error) {
	q := url.Values{}
	q.Set("id", "eq."+messageID)
	return c.writeMessage(ctx, request{
		method: http.MethodPatch, path: TableMessages,
		body:   map[string]any{"content": content, "edited_at": NewTime(at)},
		prefer: []string{"return=representation"},
	}, q)
}

// writeMessage runs a message write that returns the row with its sender
// embedded, falling back to the bare row when the relationship is missing.
// PostgREST rejects an unknown embed before executing the write.
func (c *REST) writeMessage(ctx context.Context, r request, q url.Values) (*MessageRow, error) {
	q.Set("select", messageSelect)
	r.query = q
	var rows []MessageRow
	err := c.do(ctx, r, &rows)
	if err != nil && apperr.IsSchemaMismatch(err) {
		c.logger.Debug("sender embed unavailable, writing bare message", zap.Error(err))
		q.Set("select", "*")
		rows = nil
		err = c.do(ctx, r, &rows)
	}
	if err != nil {
		return nil, err
	}
	return single(rows, TableMessages)
}

func (c *REST) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) error {
	q := url.Values{}
	q.Set("id", "eq."+messageID)
	return c.do(ctx, request{
		method: http.MethodPatch, path: TableMessages, query: q,
		body:   map[string]any{"deleted_at": NewTime(at)},
		prefer: []string{"return=minimal"},
	}, nil)
}

func (c *REST) GetOrCreateDirect(ctx context.Context, currentUserID, otherUserID, tenantID string) (string, error) {
	body := map[string]any{
		"p_current_user_id": currentUserID,
		"p_other_user_id":   otherUserID,
	}
	if tenantID != "" {
		body["p_tenant_id"] = tenantID
	}
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodPost, path: "rpc/" + ProcGetOrCreateConversation, body: body}, &raw); err != nil {
		return "", err
	}
	return DecodeConversationID(raw)
}

func (c *REST) InsertConversation(ctx context.Context, in ConversationInsert) (*ConversationRow, error) {
	var rows []ConversationRow
	err := c.do(ctx, request{
		method: http.MethodPost, path: TableConversations, body: in,
		prefer: []string{"return=representation"},
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{Status: http.StatusOK, Message: "insert into " + TableConversations + " returned no row"}
	}
	return &rows[0], nil
}

func (c *REST) UpsertParticipants(ctx context.Context, rows []ParticipantInsert) error {
	if len(rows) == 0 {
		return nil
	}
	q := url.Values{}
	q.Set("on_conflict", "conversation_id,user_id")
	return c.do(ctx, request{
		method: http.MethodPost, path: TableParticipants, query: q, body: rows,
		prefer: []string{"resolution=ignore-duplicates", "return=minimal"},
	}, nil)
}

func (c *REST) DeleteParticipant(ctx context.Context, conversationID, userID string) error {
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("user_id", "eq."+userID)
	return c.do(ctx, request{method: http.MethodDelete, path: TableParticipants, query: q}, nil)
}

func (c *REST) UpdateReadAt(ctx context.Context, conversationID, userID string, at time.Time) error {
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("user_id", "eq."+userID)
	return c.do(ctx, request{
		method: http.MethodPatch, path: TableParticipants, query: q,
		body:   map[string]any{"last_read_at": NewTime(at)},
		prefer: []string{"return=minimal"},
	}, nil)
}

func (c *REST) UpsertTyping(ctx context.Context, row TypingRow) error {
	q := url.Values{}
	q.Set("on_conflict", "conversation_id,user_id")
	return c.do(ctx, request{
		method: http.MethodPost, path: TableTyping, query: q, body: row,
		prefer: []string{"resolution=merge-duplicates", "return=minimal"},
	}, nil)
}

func (c *REST) DeleteTyping(ctx context.Context, conversationID, userID string) error {
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("user_id", "eq."+userID)
	return c.do(ctx, request{method: http.MethodDelete, path: TableTyping, query: q}, nil)
}

func single(rows []MessageRow, table string) (*MessageRow, error) {
	if len(rows) == 0 {
		return nil, &Error{Status: http.StatusNotFound, Code: "PGRST116", Message: table + " returned no row"}
	}
	return &rows[0], nil
}

// DecodeConversationID accepts the shapes the get-or-create procedure has
// returned across schema versions: a bare id string, an object with an id
// field, or a one-element array of either.
func DecodeConversationID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", &Error{Status: http.StatusOK, Message: "cannot coerce empty result to a conversation id"}
	}
	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	case '{':
		var obj struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", err
		}
		if id := firstNonEmpty(obj.ID, obj.ConversationID); id != "" {
			return id, nil
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "", err
		}
		if len(items) > 0 {
			return DecodeConversationID(items[0])
		}
	}
	return "", &Error{Status: http.StatusOK, Message: fmt.Sprintf("cannot coerce %s to a conversation id", raw)}
}
