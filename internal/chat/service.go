// Package chat is the conversation facade used by the control API and the
// terminal UI. It orchestrates the remote sync layer, the send pipeline and
// the realtime feed, and commits every result through the sync engine.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/notify"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/state"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
)

// TypingTTL is how long a typing indicator stays live without a refresh.
const TypingTTL = 5 * time.Second

// ErrSuperseded is returned by Open when another conversation was selected
// before the fetch completed. The stale result is discarded.
var ErrSuperseded = errors.New("selection changed before messages loaded")

// Feed is the realtime change feed.
type Feed interface {
	State() status.State
	Subscribe(ctx context.Context, subs []realtime.Subscription) error
	Close()
}

// Deps are the collaborators of a Service. Feed and Cache may be nil.
type Deps struct {
	Engine  *intsync.Engine
	Fetcher *intsync.Fetcher
	Backend remote.Backend
	Sender  *outbox.Sender
	DB      *store.DB
	Cache   *intsync.ConversationCache
	Feed    Feed
	Toasts  *notify.Sink
}

// Service is the conversation facade.
type Service struct {
	engine  *intsync.Engine
	fetcher *intsync.Fetcher
	backend remote.Backend
	sender  *outbox.Sender
	db      *store.DB
	cache   *intsync.ConversationCache
	feed    Feed
	toasts  *notify.Sink
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a service and hooks conversation refreshes onto confirmed
// sends.
func New(d Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		engine:  d.Engine,
		fetcher: d.Fetcher,
		backend: d.Backend,
		sender:  d.Sender,
		db:      d.DB,
		cache:   d.Cache,
		feed:    d.Feed,
		toasts:  d.Toasts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if s.sender != nil {
		s.sender.OnConfirmed(func(ctx context.Context, _ string) {
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Warn("refresh after send failed", zap.Error(err))
			}
		})
	}
	return s
}

func (s *Service) self() string {
	return s.engine.Scope().SelfID()
}

// Identity returns the signed-in identity.
func (s *Service) Identity() model.Identity {
	return s.engine.Scope().Identity()
}

// Snapshot returns the current local state.
func (s *Service) Snapshot() state.Snapshot {
	return s.engine.Store().Snapshot(s.now())
}

// Conversations returns the local conversation list.
func (s *Service) Conversations() []model.Conversation {
	return s.engine.Store().Conversations()
}

// Messages returns the loaded messages of a conversation.
func (s *Service) Messages(conversationID string) []model.Message {
	return s.engine.Store().Messages(conversationID)
}

// Typing returns who is typing in a conversation as of now.
func (s *Service) Typing(conversationID string, now time.Time) []model.TypingIndicator {
	return s.engine.Store().Typing(conversationID, now)
}

// FeedState reports the realtime feed state.
func (s *Service) FeedState() status.State {
	if s.feed == nil {
		return status.Idle
	}
	return s.feed.State()
}

// Refresh fetches the conversation list and commits it unless a newer
// refresh started meanwhile. While the store is empty a fresh cached list
// is shown first. A successful refresh re-subscribes the realtime feed if
// it is not live.
func (s *Service) Refresh(ctx context.Context) ([]model.Conversation, error) {
	const op = "load conversations"
	self := s.self()
	if self == "" {
		return nil, apperr.New(op, apperr.NotAuthenticated, intsync.ErrNoIdentity)
	}

	var cached []model.Conversation
	if s.cache != nil {
		cached, _ = s.cache.Load(self)
	}
	var token uint64
	err := s.engine.Do(ctx, "refresh started", func(st *state.Store) {
		token = st.BeginRefresh()
		if cached != nil && len(st.Conversations()) == 0 {
			st.SetConversations(cached)
		}
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}

	list, err := s.fetcher.FetchConversations(ctx)
	if err != nil {
		s.toasts.Error(op, err)
		return nil, err
	}

	var committed bool
	err = s.engine.Do(ctx, "conversations loaded", func(st *state.Store) {
		committed = st.CommitConversations(token, list)
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	if !committed {
		s.logger.Debug("conversation refresh superseded")
		return s.Conversations(), nil
	}
	if s.cache != nil {
		s.cache.Save(self, list)
	}
	if err := s.EnsureSubscribed(ctx); err != nil {
		s.logger.Warn("realtime subscription failed", zap.Error(err))
	}
	return list, nil
}

// EnsureSubscribed subscribes the feed for the signed-in identity unless
// it is already live.
func (s *Service) EnsureSubscribed(ctx context.Context) error {
	self := s.self()
	if s.feed == nil || self == "" || s.feed.State() == status.Subscribed {
		return nil
	}
	return s.feed.Subscribe(ctx, realtime.IdentitySubscriptions(self))
}

// Open selects a conversation, fetches its messages and marks it read.
// If another conversation is selected before the fetch returns, the result
// is dropped and ErrSuperseded returned.
func (s *Service) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	const op = "load messages"
	var token uint64
	if err := s.engine.Do(ctx, "conversation selected", func(st *state.Store) {
		token = st.Select(conversationID)
	}); err != nil {
		return nil, apperr.Wrap(op, err)
	}

	started := time.Now()
	fetched, err := s.fetcher.FetchMessages(ctx, conversationID)
	if err != nil {
		s.toasts.Error(op, err)
		return nil, err
	}

	var (
		committed bool
		msgs      []model.Message
		unread    int
	)
	err = s.engine.Do(ctx, "messages loaded", func(st *state.Store) {
		committed = st.CommitMessages(token, conversationID, keepLocal(fetched, st.Messages(conversationID), started))
		if committed {
			msgs = st.Messages(conversationID)
			if c, ok := st.Conversation(conversationID); ok {
				unread = c.UnreadCount
			}
		}
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	if !committed {
		s.logger.Debug("stale message fetch discarded", zap.String("conversation_id", conversationID))
		return nil, ErrSuperseded
	}
	if unread > 0 {
		if err := s.MarkRead(ctx, conversationID); err != nil {
			s.logger.Warn("mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return msgs, nil
}

// keepLocal adds to fetched the local entries the fetch does not know yet:
// unconfirmed sends and realtime arrivals newer than anything fetched. Any
// other confirmed message missing from the fetch was deleted on the server.
// started is the cutoff when the fetch returned nothing.
func keepLocal(fetched, local []model.Message, started time.Time) []model.Message {
	cutoff := started
	if len(fetched) > 0 {
		cutoff = time.Time{}
		for _, f := range fetched {
			if f.CreatedAt.After(cutoff) {
				cutoff = f.CreatedAt
			}
		}
	}

	out := slices.Clone(fetched)
	for _, m := range local {
		if m.Optimistic {
			if !slices.ContainsFunc(fetched, func(f model.Message) bool {
				return f.ID == m.ID || model.Similar(f, m, model.DefaultDedupWindow)
			}) {
				out = append(out, m)
			}
			continue
		}
		if !m.CreatedAt.After(cutoff) {
			continue
		}
		if !slices.ContainsFunc(fetched, func(f model.Message) bool { return f.ID == m.ID }) {
			out = append(out, m)
		}
	}
	return out
}

// CloseConversation clears the selection.
func (s *Service) CloseConversation(ctx context.Context) error {
	return s.engine.Do(ctx, "conversation closed", func(st *state.Store) { st.Select("") })
}

// StartConversation returns the direct conversation with otherUserID,
// creating it if needed, and makes sure it is in the local list.
func (s *Service) StartConversation(ctx context.Context, otherUserID string) (string, error) {
	const op = "start conversation"
	id, err := s.fetcher.GetOrCreateConversation(ctx, otherUserID, s.Conversations())
	if err != nil {
		s.toasts.Error(op, err)
		return "", err
	}
	if _, ok := s.engine.Store().Conversation(id); !ok {
		if _, err := s.Refresh(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Send sends a message through the optimistic pipeline.
func (s *Service) Send(ctx context.Context, d outbox.Draft) (*model.Message, error) {
	return s.sender.Send(ctx, d)
}

// MarkRead zeroes the unread count locally and records the read time
// remotely.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	const op = "mark read"
	self := s.self()
	if self == "" {
		return apperr.New(op, apperr.NotAuthenticated, intsync.ErrNoIdentity)
	}
	at := s.now()
	if err := s.engine.Do(ctx, "conversation read", func(st *state.Store) {
		st.MarkRead(conversationID, self, at)
	}); err != nil {
		return apperr.Wrap(op, err)
	}
	if err := s.backend.UpdateReadAt(ctx, conversationID, self, at); err != nil {
		return apperr.Wrap(op, err)
	}
	return nil
}

// SetTyping publishes or clears the identity's typing indicator.
func (s *Service) SetTyping(ctx context.Context, conversationID string, active bool) error {
	const op = "set typing"
	self := s.self()
	if self == "" {
		return apperr.New(op, apperr.NotAuthenticated, intsync.ErrNoIdentity)
	}
	var err error
	if active {
		now := s.now()
		err = s.backend.UpsertTyping(ctx, remote.TypingRow{
			ConversationID: conversationID,
			UserID:         self,
			StartedAt:      remote.NewTime(now),
			ExpiresAt:      remote.NewTime(now.Add(TypingTTL)),
		})
	} else {
		err = s.backend.DeleteTyping(ctx, conversationID, self)
	}
	if err != nil {
		s.logger.Debug("typing update failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return apperr.Wrap(op, err)
	}
	return nil
}

// Leave removes the identity from a conversation. Other members keep it.
func (s *Service) Leave(ctx context.Context, conversationID string) error {
	const op = "leave conversation"
	self := s.self()
	if self == "" {
		return apperr.New(op, apperr.NotAuthenticated, intsync.ErrNoIdentity)
	}
	if err := s.backend.DeleteParticipant(ctx, conversationID, self); err != nil {
		s.toasts.Error(op, err)
		return apperr.Wrap(op, err)
	}
	s.engine.Scope().RemoveMember(conversationID)
	if s.cache != nil {
		s.cache.Invalidate(self)
	}
	if err := s.engine.Do(ctx, "conversation left", func(st *state.Store) {
		st.RemoveConversation(conversationID)
	}); err != nil {
		return apperr.Wrap(op, err)
	}
	s.toasts.Success("Left conversation")
	return nil
}

// Edit replaces the content of a confirmed message.
func (s *Service) Edit(ctx context.Context, conversationID, messageID, content string) (*model.Message, error) {
	const op = "edit message"
	if strings.TrimSpace(content) == "" {
		return nil, apperr.New(op, apperr.Invalid, errors.New("empty content"))
	}
	if strings.HasPrefix(messageID, outbox.LocalIDPrefix) {
		return nil, apperr.New(op, apperr.Invalid, fmt.Errorf("message %s is not confirmed yet", messageID))
	}
	row, err := s.backend.UpdateMessageContent(ctx, messageID, content, s.now())
	if err != nil {
		s.toasts.Error(op, err)
		return nil, apperr.Wrap(op, err)
	}
	edited := row.ToMessage(nil)
	err = s.engine.Do(ctx, "message edited", func(st *state.Store) {
		st.UpdateMessage(conversationID, messageID, func(m *model.Message) {
			m.Content = edited.Content
			m.EditedAt = edited.EditedAt
		})
		st.UpdateConversation(conversationID, func(c *model.Conversation) {
			if c.LastMessage != nil && c.LastMessage.ID == messageID {
				p := *c.LastMessage
				p.Content = edited.Content
				c.LastMessage = &p
			}
		})
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &edited, nil
}

// Delete soft-deletes a message and removes it locally.
func (s *Service) Delete(ctx context.Context, conversationID, messageID string) error {
	const op = "delete message"
	if err := s.backend.SoftDeleteMessage(ctx, messageID, s.now()); err != nil {
		s.toasts.Error(op, err)
		return apperr.Wrap(op, err)
	}
	if err := s.engine.Do(ctx, "message deleted", func(st *state.Store) {
		intsync.DropMessage(st, conversationID, messageID)
	}); err != nil {
		return apperr.Wrap(op, err)
	}
	return nil
}

// Pending lists the durable send intents not confirmed yet.
func (s *Service) Pending() ([]model.PendingSendIntent, error) {
	return s.db.ListIntents()
}

// RetryPending retries every durable send intent once.
func (s *Service) RetryPending(ctx context.Context) outbox.Result {
	return s.sender.RetryPending(ctx)
}

// SwitchIdentity tears down the feed and every identity-scoped cache, then
// loads the new identity's conversations.
func (s *Service) SwitchIdentity(ctx context.Context, identity model.Identity) error {
	if s.feed != nil {
		s.feed.Close()
	}
	s.engine.Scope().SetIdentity(identity)
	if err := s.engine.Do(ctx, "identity switched", func(st *state.Store) { st.Reset() }); err != nil {
		return err
	}
	if !identity.Valid() {
		return nil
	}
	_, err := s.Refresh(ctx)
	return err
}

// Close tears down the realtime feed.
func (s *Service) Close() {
	if s.feed != nil {
		s.feed.Close()
	}
}
