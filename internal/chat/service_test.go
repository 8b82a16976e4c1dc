package chat

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/bus"
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

type fakeFeed struct {
	mu    gosync.Mutex
	state status.State
	subs  [][]realtime.Subscription
	close int
}

func (f *fakeFeed) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) Subscribe(_ context.Context, subs []realtime.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subs)
	f.state = status.Subscribed
	return nil
}

func (f *fakeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.close++
	f.state = status.Closed
}

// gatedBackend blocks message fetches of one conversation until released.
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

type fixture struct {
	svc     *Service
	backend *remotetest.Backend
	feed    *fakeFeed
	db      *store.DB
	bus     *bus.Bus
	engine  *intsync.Engine
}

func seed(b *remotetest.Backend) {
	t0 := time.Now().Add(-time.Hour).UTC()
	b.AddProfile(me, "Me Myself")
	b.AddProfile(you, "You There")
	b.AddProfile("third", "Third Party")
	b.AddConversation("direct", model.KindDirect, t0.Add(-time.Hour), me, you)
	b.AddConversation("group", model.KindGroup, t0.Add(-2*time.Hour), me, you, "third")
	b.SetLastRead("direct", me, t0)
	b.AddMessage("d1", "direct", you, "one", t0.Add(time.Minute))
	b.AddMessage("d2", "direct", you, "two", t0.Add(2*time.Minute))
	b.AddMessage("g1", "group", "third", "hello group", t0.Add(-time.Minute))
}

func newFixture(t *testing.T, wrap func(*remotetest.Backend) remote.Backend) *fixture {
	t.Helper()
	f := &fixture{backend: remotetest.New(), feed: &fakeFeed{state: status.Idle}, bus: bus.New()}
	seed(f.backend)

	var backend remote.Backend = f.backend
	if wrap != nil {
		backend = wrap(f.backend)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)
	f.db = db

	scope := intsync.NewScope(backend, model.Identity{UserID: me, TenantID: "tenant-1", Profile: model.Profile{FullName: "Me Myself"}}, nil)
	f.engine = intsync.NewEngine(state.New(0), scope, f.bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.engine.Stop()
	})

	toasts := notify.New(f.bus, nil)
	f.svc = New(Deps{
		Engine:  f.engine,
		Fetcher: intsync.NewFetcher(backend, scope, 0, nil),
		Backend: backend,
		Sender:  outbox.NewSender(db, backend, f.engine, toasts, f.bus, outbox.Config{BaseDelay: time.Millisecond}, nil),
		DB:      db,
		Cache:   intsync.NewConversationCache(db, time.Minute, nil),
		Feed:    f.feed,
		Toasts:  toasts,
	}, nil)
	return f
}

func ids(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestRefreshCommitsAndSubscribes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	list, err := f.svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"direct", "group"}, ids(list))
	assert.Equal(t, []string{"direct", "group"}, ids(f.svc.Conversations()))

	require.Len(t, f.feed.subs, 1)
	assert.Equal(t, realtime.IdentitySubscriptions(me), f.feed.subs[0])
	assert.Equal(t, status.Subscribed, f.svc.FeedState())

	_, err = f.svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, f.feed.subs, 1, "live feed is not resubscribed")

	f.feed.Close()
	_, err = f.svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, f.feed.subs, 2, "closed feed is resubscribed on refresh")
}

func TestRefreshFailureKeepsCachedList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	// A new session starts from an empty store with a warm cache.
	require.NoError(t, f.engine.Do(ctx, "reset", func(s *state.Store) { s.Reset() }))
	f.backend.NestedErr = &apperr.Error{Op: "select", Category: apperr.PermissionDenied}
	toasts, unsub := f.bus.Subscribe(bus.KindToast, 4)
	defer unsub()

	_, err = f.svc.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"direct", "group"}, ids(f.svc.Conversations()))

	select {
	case evt := <-toasts:
		toast := evt.Payload.(notify.Toast)
		assert.Equal(t, apperr.MessageFor(apperr.PermissionDenied), toast.Message)
	case <-time.After(time.Second):
		t.Fatal("no toast")
	}
}

func TestOpenMarksReadAndKeepsPendingSends(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	c, _ := f.engine.Store().Conversation("direct")
	require.Equal(t, 2, c.UnreadCount)

	pending := model.Message{
		ID: "temp-1", LocalID: "temp-1", ConversationID: "direct", SenderID: me,
		Content: "on its way", Type: model.MessageTypeText, CreatedAt: time.Now().UTC(), Optimistic: true,
	}
	require.NoError(t, f.engine.Do(ctx, "optimistic", func(s *state.Store) { s.AppendMessage(pending) }))

	msgs, err := f.svc.Open(ctx, "direct")
	require.NoError(t, err)
	var got []string
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"d1", "d2", "temp-1"}, got)

	c, _ = f.engine.Store().Conversation("direct")
	assert.Zero(t, c.UnreadCount)
	assert.Equal(t, 1, f.backend.Calls("UpdateReadAt"))
	assert.Equal(t, "direct", f.svc.Snapshot().ActiveID)
}

func TestOpenDiscardsSupersededFetch(t *testing.T) {
	var gated *gatedBackend
	f := newFixture(t, func(b *remotetest.Backend) remote.Backend {
		gated = &gatedBackend{Backend: b, gated: "direct", entered: make(chan struct{}), release: make(chan struct{})}
		return gated
	})
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	slow := make(chan error, 1)
	go func() {
		_, err := f.svc.Open(ctx, "direct")
		slow <- err
	}()
	<-gated.entered

	msgs, err := f.svc.Open(ctx, "group")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	close(gated.release)
	assert.ErrorIs(t, <-slow, ErrSuperseded)
	assert.Equal(t, "group", f.engine.Store().ActiveID())
	assert.False(t, f.engine.Store().HasMessages("direct"))
}

func messageIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestReopenDropsMessagesDeletedOnServer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	msgs, err := f.svc.Open(ctx, "direct")
	require.NoError(t, err)
	require.Equal(t, []string{"d1", "d2"}, messageIDs(msgs))

	// Deleted while the feed was down: no UPDATE event reached the engine.
	require.NoError(t, f.backend.SoftDeleteMessage(ctx, "d1", time.Now().UTC()))

	live := model.Message{
		ID: "d3", ConversationID: "direct", SenderID: you,
		Content: "just now", Type: model.MessageTypeText, CreatedAt: time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, f.engine.Do(ctx, "realtime", func(s *state.Store) { s.AppendMessage(live) }))

	msgs, err = f.svc.Open(ctx, "direct")
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d3"}, messageIDs(msgs))
}

func TestKeepLocal(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := func(id string, at time.Time, optimistic bool) model.Message {
		return model.Message{ID: id, SenderID: me, Content: id, Type: model.MessageTypeText, CreatedAt: at, Optimistic: optimistic}
	}
	fetched := []model.Message{msg("a", t0, false), msg("b", t0.Add(time.Minute), false)}
	local := []model.Message{
		msg("old", t0.Add(-time.Minute), false),
		msg("a", t0, false),
		msg("temp-1", t0.Add(-time.Hour), true),
		msg("new", t0.Add(2*time.Minute), false),
	}

	got := keepLocal(fetched, local, t0.Add(time.Hour))
	assert.Equal(t, []string{"a", "b", "temp-1", "new"}, messageIDs(got))

	got = keepLocal(nil, local, t0.Add(time.Minute))
	assert.Equal(t, []string{"temp-1", "new"}, messageIDs(got))
}

func TestStartConversationCreatesAndLists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	id, err := f.svc.StartConversation(ctx, "third")
	require.NoError(t, err)
	_, ok := f.engine.Store().Conversation(id)
	assert.True(t, ok)

	again, err := f.svc.StartConversation(ctx, "third")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	existing, err := f.svc.StartConversation(ctx, you)
	require.NoError(t, err)
	assert.Equal(t, "direct", existing)
}

func TestSendRefreshesConversationList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)
	before := f.backend.Calls("ConversationsWithDetails")

	msg, err := f.svc.Send(ctx, outbox.Draft{ConversationID: "group", Content: "hi all"})
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, before+1, f.backend.Calls("ConversationsWithDetails"))
	assert.Equal(t, []string{"group", "direct"}, ids(f.svc.Conversations()))
}

func TestLeaveRemovesConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, "group"))
	assert.Equal(t, []string{"direct"}, ids(f.svc.Conversations()))
	assert.False(t, f.engine.Scope().IsMember("group"))

	list, err := f.svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"direct"}, ids(list))

	participants, err := f.backend.ParticipantsFor(ctx, []string{"group"})
	require.NoError(t, err)
	assert.Len(t, participants, 2, "other members stay")
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)
	_, err = f.svc.Open(ctx, "direct")
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, "direct", "d2", "two, revised")
	require.NoError(t, err)
	assert.NotNil(t, edited.EditedAt)
	msgs := f.svc.Messages("direct")
	assert.Equal(t, "two, revised", msgs[1].Content)
	c, _ := f.engine.Store().Conversation("direct")
	assert.Equal(t, "two, revised", c.LastMessage.Content)

	_, err = f.svc.Edit(ctx, "direct", "temp-abc", "nope")
	assert.Equal(t, apperr.Invalid, apperr.Classify(err))
	_, err = f.svc.Edit(ctx, "direct", "d2", "  ")
	assert.Equal(t, apperr.Invalid, apperr.Classify(err))

	require.NoError(t, f.svc.Delete(ctx, "direct", "d2"))
	msgs = f.svc.Messages("direct")
	require.Len(t, msgs, 1)
	c, _ = f.engine.Store().Conversation("direct")
	assert.Equal(t, "d1", c.LastMessage.ID)
}

func TestSetTyping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, f.svc.SetTyping(ctx, "direct", true))
	require.Len(t, f.backend.TypingRows, 1)
	row := f.backend.TypingRows[0]
	assert.Equal(t, me, row.UserID)
	assert.WithinDuration(t, before.Add(TypingTTL), row.ExpiresAt.Value(), time.Second)

	require.NoError(t, f.svc.SetTyping(ctx, "direct", false))
	assert.Empty(t, f.backend.TypingRows)
}

func TestSwitchIdentityTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.SwitchIdentity(ctx, model.Identity{UserID: "third"}))
	assert.Equal(t, 1, f.feed.close)
	assert.Equal(t, []string{"group"}, ids(f.svc.Conversations()))
	require.Len(t, f.feed.subs, 2)
	assert.Equal(t, realtime.IdentitySubscriptions("third"), f.feed.subs[1])
	assert.False(t, f.engine.Scope().IsMember("direct"))
}

func TestRequiresIdentity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.SwitchIdentity(ctx, model.Identity{}))

	_, err := f.svc.Refresh(ctx)
	assert.Equal(t, apperr.NotAuthenticated, apperr.Classify(err))
	assert.Equal(t, apperr.NotAuthenticated, apperr.Classify(f.svc.MarkRead(ctx, "direct")))

	msg, err := f.svc.Send(ctx, outbox.Draft{ConversationID: "direct", Content: "hello"})
	assert.Nil(t, msg)
	assert.NoError(t, err, "send without identity is a silent no-op")
}
