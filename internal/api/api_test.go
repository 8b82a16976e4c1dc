package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/notify"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/remote/remotetest"
	"github.com/matheus3301/convsync/internal/state"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
)

const (
	me  = "user-me"
	you = "user-you"
)

type nopFeed struct{}

func (nopFeed) State() status.State                                       { return status.Idle }
func (nopFeed) Subscribe(context.Context, []realtime.Subscription) error { return nil }
func (nopFeed) Close()                                                    {}

type gatedBackend struct {
	*remotetest.Backend
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Messages(ctx context.Context, conversationID string) ([]remote.MessageRow, error) {
	if conversationID == g.gated {
		close(g.entered)
		<-g.release
	}
	return g.Backend.Messages(ctx, conversationID)
}

type harness struct {
	client  *Client
	backend *remotetest.Backend
	bus     *bus.Bus
}

func newHarness(t *testing.T, wrap func(*remotetest.Backend) remote.Backend) *harness {
	t.Helper()
	h := &harness{backend: remotetest.New(), bus: bus.New()}

	t0 := time.Now().Add(-time.Hour).UTC()
	h.backend.AddProfile(me, "Me Myself")
	h.backend.AddProfile(you, "You There")
	h.backend.AddConversation("direct", model.KindDirect, t0.Add(-time.Hour), me, you)
	h.backend.AddConversation("group", model.KindGroup, t0.Add(-2*time.Hour), me, you)
	h.backend.SetLastRead("direct", me, t0)
	h.backend.AddMessage("d1", "direct", you, "one", t0.Add(time.Minute))
	h.backend.AddMessage("d2", "direct", you, "two", t0.Add(2*time.Minute))
	h.backend.AddMessage("g1", "group", you, "hello group", t0.Add(-time.Minute))

	var backend remote.Backend = h.backend
	if wrap != nil {
		backend = wrap(h.backend)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	scope := intsync.NewScope(backend, model.Identity{UserID: me, TenantID: "tenant-1", Profile: model.Profile{FullName: "Me Myself"}}, nil)
	engine := intsync.NewEngine(state.New(0), scope, h.bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	toasts := notify.New(h.bus, nil)
	svc := chat.New(chat.Deps{
		Engine:  engine,
		Fetcher: intsync.NewFetcher(backend, scope, 0, nil),
		Backend: backend,
		Sender:  outbox.NewSender(db, backend, engine, toasts, h.bus, outbox.Config{BaseDelay: time.Millisecond}, nil),
		DB:      db,
		Cache:   intsync.NewConversationCache(db, time.Minute, nil),
		Feed:    nopFeed{},
		Toasts:  toasts,
	}, nil)

	router := NewRouter(nil,
		NewSessionService("test", status.NewMachine(h.bus), svc, h.bus),
		NewChatService(svc),
		NewMessageService(svc),
		NewSyncService(svc, h.bus, "test"))
	srv := httptest.NewServer(router)
	h.client = NewClient(srv.URL, srv.Client())

	t.Cleanup(func() {
		h.client.Close()
		srv.Close()
		cancel()
		engine.Stop()
	})
	return h
}

func apiError(t *testing.T, err error) *Error {
	t.Helper()
	var ae *Error
	require.True(t, errors.As(err, &ae), "want *api.Error, got %v", err)
	return ae
}

func TestStatusAndConversations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	convs, err := h.client.Conversations(ctx, true)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "direct", convs[0].ID)
	assert.Equal(t, "group", convs[1].ID)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, me, st.UserID)
	assert.Equal(t, 2, st.Conversations)
	assert.Equal(t, 3, st.Unread)
	assert.Equal(t, status.Idle, st.Feed.State)
}

func TestEmptyListIsArray(t *testing.T) {
	h := newHarness(t, nil)

	convs, err := h.client.Conversations(context.Background(), false)
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)
}

func TestOpenAndSend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	msgs, err := h.client.Open(ctx, "direct")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	sent, err := h.client.Send(ctx, outbox.Draft{ConversationID: "direct", Content: "hi"})
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.NotEqual(t, "", sent.ID)
	assert.False(t, sent.Optimistic)

	got, err := h.client.Messages(ctx, "direct")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, sent.ID, got.Messages[2].ID)
}

func TestSendEmptyDraftIsNoContent(t *testing.T) {
	h := newHarness(t, nil)

	sent, err := h.client.Send(context.Background(), outbox.Draft{ConversationID: "direct", Content: "   "})
	require.NoError(t, err)
	assert.Nil(t, sent)
	assert.Equal(t, 0, h.backend.Calls("InsertMessage"))
}

func TestSendPermissionErrorBody(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.InsertErrs = []error{&remote.Error{Status: 403, Code: "42501", Message: "new row violates row-level security policy"}}

	_, err := h.client.Send(context.Background(), outbox.Draft{ConversationID: "direct", Content: "hi"})
	ae := apiError(t, err)
	assert.Equal(t, http.StatusForbidden, ae.Status)
	assert.Equal(t, apperr.PermissionDenied, ae.Category)
	assert.Equal(t, apperr.MessageFor(apperr.PermissionDenied), ae.Message)
	assert.NotContains(t, ae.Message, "row-level")
	assert.Equal(t, apperr.PermissionDenied, apperr.Classify(err))
}

func TestStartRequiresUser(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.client.Start(context.Background(), "")
	ae := apiError(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Equal(t, apperr.Invalid, ae.Category)
}

func TestStartReturnsExistingConversation(t *testing.T) {
	h := newHarness(t, nil)

	id, err := h.client.Start(context.Background(), you)
	require.NoError(t, err)
	assert.Equal(t, "direct", id)
}

func TestEditRejectsUnsentMessage(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.client.Edit(context.Background(), "direct", "temp-123", "changed")
	ae := apiError(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
}

func TestDeleteRemovesMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.client.Open(ctx, "direct")
	require.NoError(t, err)
	require.NoError(t, h.client.Delete(ctx, "direct", "d1"))

	got, err := h.client.Messages(ctx, "direct")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "d2", got.Messages[0].ID)
}

func TestSupersededOpenIsConflict(t *testing.T) {
	var gated *gatedBackend
	h := newHarness(t, func(b *remotetest.Backend) remote.Backend {
		gated = &gatedBackend{Backend: b, gated: "direct", entered: make(chan struct{}), release: make(chan struct{})}
		return gated
	})
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := h.client.Open(ctx, "direct")
		slow <- err
	}()
	<-gated.entered

	msgs, err := h.client.Open(ctx, "group")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	close(gated.release)

	ae := apiError(t, <-slow)
	assert.Equal(t, http.StatusConflict, ae.Status)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "group", st.ActiveID)
}

func TestPendingAndRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	pending, err := h.client.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	h.backend.InsertErrs = []error{errors.New("connection reset"), errors.New("connection reset"), errors.New("connection reset")}
	_, err = h.client.Send(ctx, outbox.Draft{ConversationID: "direct", Content: "later"})
	require.Error(t, err)

	pending, err = h.client.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SendRolledBack, pending[0].State)

	res, err := h.client.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Result{Succeeded: 1}, res)

	pending, err = h.client.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEventStreamSkipsFeedChanges(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				h.bus.Emit(bus.KindFeedChange, realtime.Change{Table: "audit_log"})
				h.bus.Emit(bus.KindToast, notify.Toast{Level: notify.LevelInfo, Message: "hello"})
			}
		}
	}()
	defer close(done)

	var got StreamEvent
	err := h.client.Events(ctx, nil, func(evt StreamEvent) bool {
		if evt.Kind == bus.KindFeedChange {
			t.Errorf("feed change streamed")
			return false
		}
		got = evt
		return evt.Kind != bus.KindToast
	})
	require.NoError(t, err)
	assert.Equal(t, bus.KindToast, got.Kind)
	assert.Equal(t, "test", got.Session)
	assert.Contains(t, string(got.Payload), "hello")
}
