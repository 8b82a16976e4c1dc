package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/apperr"
)

func newTestREST(t *testing.T, h http.HandlerFunc) *REST {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewREST(RESTConfig{
		BaseURL: srv.URL + "/",
		APIKey:  "anon",
		Token:   func() string { return "user-token" },
	}, nil)
}

func TestConversationsWithDetailsQuery(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/conversations", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "eq.u1", r.URL.Query().Get("me.user_id"))
		assert.Contains(t, r.URL.Query().Get("select"), "me:conversation_participants!inner(user_id)")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{
			"id": "c1", "type": "direct", "created_at": "2024-05-01T10:00:00+00:00",
			"updated_at": null, "last_message_at": "2024-05-01 10:05:00.123",
			"conversation_participants": [
				{"conversation_id": "c1", "user_id": "u1", "profiles": {"id": "u1", "full_name": "Ana"}},
				{"conversation_id": "c1", "user_id": "u2", "profiles": {"id": "u2", "first_name": "Bo", "last_name": "Li"}}
			],
			"conversation_messages": [
				{"id": "m1", "conversation_id": "c1", "sender_id": "u2", "content": null, "message_type": null,
				 "attachments": null, "created_at": "2024-05-01T10:05:00.123Z"}
			]
		}]`)
	})

	rows, err := c.ConversationsWithDetails(context.Background(), "u1", 20)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	conv := rows[0].ToConversation()
	assert.Equal(t, conv.CreatedAt, conv.UpdatedAt)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, 123*time.Millisecond, time.Duration(conv.LastMessageAt.Nanosecond()))

	require.Len(t, rows[0].Participants, 2)
	assert.Equal(t, "Bo Li", rows[0].Participants[1].ToParticipant(nil).Profile.FullName)

	msg := rows[0].Messages[0].ToMessage(nil)
	assert.Equal(t, "", msg.Content)
	assert.Equal(t, "text", msg.Type)
	assert.Nil(t, msg.Attachments)
}

func TestRESTErrorIsClassified(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"PGRST200","message":"Could not find a relationship between 'conversations' and 'conversation_messages' in the schema cache"}`)
	})

	_, err := c.ConversationsWithDetails(context.Background(), "u1", 20)
	require.Error(t, err)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.Status)
	assert.True(t, apperr.IsSchemaMismatch(err))
}

func TestRESTErrorWithoutBody(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	err := c.DeleteTyping(context.Background(), "c1", "u1")
	require.Error(t, err)
	assert.Equal(t, apperr.PermissionDenied, apperr.Classify(err))
}

func TestInsertMessageSendsRepresentation(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{}, body["attachments"])
		assert.Equal(t, "hello", body["content"])
		assert.NotContains(t, body, "reply_to_id")

		_, _ = io.WriteString(w, `[{"id":"srv-1","conversation_id":"c1","sender_id":"u1","content":"hello",
			"created_at":"2024-05-01T10:00:00Z","sender":{"id":"u1","email":"ana@example.com"}}]`)
	})

	row, err := c.InsertMessage(context.Background(), MessageInsert{
		ConversationID: "c1", SenderID: "u1", Content: "hello", MessageType: "text",
	})
	require.NoError(t, err)
	msg := row.ToMessage(nil)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, "ana@example.com", msg.Sender.FullName)
}

func TestUpsertParticipantsIgnoresDuplicates(t *testing.T) {
	var got []ParticipantInsert
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "conversation_id,user_id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=ignore-duplicates")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.UpsertParticipants(context.Background(), []ParticipantInsert{
		{ConversationID: "c1", UserID: "u1"},
		{ConversationID: "c1", UserID: "u2"},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetOrCreateDirectRPC(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/get_or_create_conversation", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body["p_current_user_id"])
		assert.Equal(t, "u2", body["p_other_user_id"])
		_, _ = io.WriteString(w, `[{"id":"c9"}]`)
	})

	id, err := c.GetOrCreateDirect(context.Background(), "u1", "u2", "")
	require.NoError(t, err)
	assert.Equal(t, "c9", id)
}

func TestDecodeConversationID(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`"c1"`, "c1", true},
		{`{"id":"c2"}`, "c2", true},
		{`{"conversation_id":"c3"}`, "c3", true},
		{`[{"id":"c4"}]`, "c4", true},
		{`["c5"]`, "c5", true},
		{`null`, "", false},
		{`[]`, "", false},
		{`42`, "", false},
	}
	for _, tc := range cases {
		id, err := DecodeConversationID(json.RawMessage(tc.raw))
		if tc.ok {
			require.NoError(t, err, tc.raw)
			assert.Equal(t, tc.want, id)
		} else {
			assert.Error(t, err, tc.raw)
			assert.True(t, apperr.IsSchemaMismatch(err), tc.raw)
		}
	}
}

// messageTable serves conversation_messages the way PostgREST does: filter,
// order by created_at desc, then apply the row limit to the whole result.
func messageTable(t *testing.T, rows []MessageRow, queries *[]url.Values) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		*queries = append(*queries, q)
		mu.Unlock()
		want := filterValues(q.Get("conversation_id"))
		var out []MessageRow
		for _, row := range rows {
			if slices.Contains(want, row.ConversationID) {
				out = append(out, row)
			}
		}
		slices.SortFunc(out, func(a, b MessageRow) int { return b.CreatedAt.Value().Compare(a.CreatedAt.Value()) })
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit < len(out) {
			out = out[:limit]
		}
		assert.NoError(t, json.NewEncoder(w).Encode(out))
	}
}

// filterValues decodes eq.x and in.("x","y") filters.
func filterValues(v string) []string {
	if rest, ok := strings.CutPrefix(v, "eq."); ok {
		return []string{rest}
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(v, "in.("), ")")
	var out []string
	for _, part := range strings.Split(rest, ",") {
		if s, err := strconv.Unquote(part); err == nil {
			out = append(out, s)
		} else {
			out = append(out, part)
		}
	}
	return out
}

func TestRecentMessagesLimitsEachConversation(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := []MessageRow{{ID: "b1", ConversationID: "b", SenderID: "u2", CreatedAt: NewTime(t0)}}
	for i := 1; i <= 4; i++ {
		rows = append(rows, MessageRow{
			ID: "a" + strconv.Itoa(i), ConversationID: "a", SenderID: "u2",
			CreatedAt: NewTime(t0.Add(time.Duration(i) * time.Minute)),
		})
	}
	var queries []url.Values
	c := newTestREST(t, messageTable(t, rows, &queries))

	got, err := c.RecentMessages(context.Background(), []string{"a", "b"}, 2)
	require.NoError(t, err)

	perConversation := map[string][]string{}
	for _, r := range got {
		perConversation[r.ConversationID] = append(perConversation[r.ConversationID], r.ID)
	}
	assert.Equal(t, map[string][]string{"a": {"a4", "a3"}, "b": {"b1"}}, perConversation)
	require.Len(t, queries, 2)
	for _, q := range queries {
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "is.null", q.Get("deleted_at"))
	}
}

func TestRecentMessagesFailsWhenAnyRequestFails(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("conversation_id") == "eq.b" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})

	_, err := c.RecentMessages(context.Background(), []string{"a", "b"}, 2)
	assert.Equal(t, apperr.PermissionDenied, apperr.Classify(err))
}

func TestInsertMessageWithoutSenderRelationship(t *testing.T) {
	var selects []string
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		sel := r.URL.Query().Get("select")
		selects = append(selects, sel)
		if sel != "*" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"code":"PGRST200","message":"Could not find a relationship between 'conversation_messages' and 'profiles' in the schema cache"}`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"srv-1","conversation_id":"c1","sender_id":"u1","content":"hello","created_at":"2024-05-01T10:00:00Z"}]`)
	})

	row, err := c.InsertMessage(context.Background(), MessageInsert{
		ConversationID: "c1", SenderID: "u1", Content: "hello", MessageType: "text",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", row.ID)
	assert.Nil(t, row.Sender)
	assert.Equal(t, []string{messageSelect, "*"}, selects)

	selects = nil
	row, err = c.UpdateMessageContent(context.Background(), "srv-1", "hello", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "srv-1", row.ID)
	assert.Equal(t, []string{messageSelect, "*"}, selects)
}
