package outbox

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/notify"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/state"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
)

// Defaults of the remote write retry ladder.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// LocalIDPrefix marks ids of messages not yet confirmed by the backend.
const LocalIDPrefix = "temp-"

// Config controls the retry ladder. Zero values select the defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Draft is a message the user asked to send.
type Draft struct {
	ConversationID string             `json:"conversation_id"`
	Content        string             `json:"content"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	ReplyToID      string             `json:"reply_to_id,omitempty"`
}

// SendUpdate is published on the bus each time a send changes state.
type SendUpdate struct {
	LocalID        string          `json:"local_id"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	State          model.SendState `json:"state"`
	Attempt        int             `json:"attempt"`
	Error          string          `json:"error,omitempty"`
}

// Result counts the outcome of a bulk retry.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Sender runs the optimistic send pipeline: the message is shown at once,
// recorded durably, written remotely with backoff and then either
// reconciled with the server copy or rolled back.
type Sender struct {
	db      *store.DB
	backend remote.Backend
	engine  *intsync.Engine
	toasts  *notify.Sink
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	newID     func() string
	sleep     func(context.Context, time.Duration) error
	confirmed func(ctx context.Context, conversationID string)

	mu       gosync.Mutex
	inflight map[string]struct{}
}

// NewSender creates a sender.
func NewSender(db *store.DB, backend remote.Backend, engine *intsync.Engine, toasts *notify.Sink, b *bus.Bus, cfg Config, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Sender{
		db:       db,
		backend:  backend,
		engine:   engine,
		toasts:   toasts,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		newID:    func() string { return LocalIDPrefix + uuid.NewString() },
		sleep:    sleepCtx,
		inflight: make(map[string]struct{}),
	}
}

// OnConfirmed registers fn to run after a send is confirmed. The chat
// facade uses it to refresh the conversation list.
func (s *Sender) OnConfirmed(fn func(ctx context.Context, conversationID string)) {
	s.confirmed = fn
}

// Send delivers d. An empty draft or a missing identity is a silent no-op
// and returns (nil, nil). On success the confirmed message is returned; on
// failure the optimistic message has been rolled back, the durable intent
// kept and a toast shown.
func (s *Sender) Send(ctx context.Context, d Draft) (*model.Message, error) {
	const op = "send message"
	self := s.engine.Scope().Identity()
	attachments := model.NormalizeAttachments(d.Attachments)
	if !self.Valid() || d.ConversationID == "" || (strings.TrimSpace(d.Content) == "" && len(attachments) == 0) {
		s.logger.Debug("send ignored", zap.String("conversation_id", d.ConversationID))
		return nil, nil
	}

	localID := s.newID()
	msg := model.Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: d.ConversationID,
		SenderID:       self.UserID,
		Content:        d.Content,
		Type:           messageType(d.Content, attachments),
		Attachments:    attachments,
		ReplyToID:      d.ReplyToID,
		CreatedAt:      time.Now().UTC(),
		Sender:         s.selfProfile(),
		Optimistic:     true,
	}

	var prev preview
	err := s.engine.Do(ctx, "send optimistic", func(st *state.Store) {
		if c, ok := st.Conversation(msg.ConversationID); ok {
			prev = preview{last: c.LastMessage, at: c.LastMessageAt}
		}
		st.AppendMessage(msg)
		st.UpdateConversation(msg.ConversationID, func(c *model.Conversation) { c.Touch(msg) })
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}

	s.track(localID)
	defer s.untrack(localID)

	intent := &model.PendingSendIntent{
		LocalID:        localID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Attachments:    attachments,
		ReplyToID:      msg.ReplyToID,
		CreatedAt:      msg.CreatedAt,
		State:          model.SendPending,
	}
	if err := s.db.RecordIntent(intent); err != nil {
		s.logger.Warn("failed to record send intent", zap.String("local_id", localID), zap.Error(err))
	}
	s.publish(intent, "", 0, nil)

	row, attempts, err := s.deliver(ctx, intent, s.cfg.MaxAttempts)
	if err != nil {
		s.rollback(msg, prev)
		s.advance(intent, model.SendRolledBack)
		if merr := s.db.MarkIntent(localID, model.SendRolledBack, attempts, err.Error()); merr != nil {
			s.logger.Warn("failed to mark send intent", zap.String("local_id", localID), zap.Error(merr))
		}
		s.publish(intent, "", attempts, err)
		s.toasts.Error(op, err)
		s.logger.Error("message send failed",
			zap.String("local_id", localID),
			zap.String("conversation_id", msg.ConversationID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, apperr.Wrap(op, err)
	}

	confirmed := s.confirm(ctx, intent, row)
	s.advance(intent, model.SendConfirmed)
	s.publish(intent, confirmed.ID, attempts, nil)
	s.logger.Info("message sent",
		zap.String("local_id", localID),
		zap.String("message_id", confirmed.ID),
		zap.Int("attempts", attempts))
	if s.confirmed != nil {
		s.confirmed(ctx, msg.ConversationID)
	}
	return &confirmed, nil
}

// RetryPending makes one delivery attempt for every durable intent not
// currently being sent. It never fails; errors count as failed items.
func (s *Sender) RetryPending(ctx context.Context) Result {
	var res Result
	intents, err := s.db.ListIntents()
	if err != nil {
		s.logger.Error("failed to list send intents", zap.Error(err))
		return res
	}
	for i := range intents {
		in := &intents[i]
		if !s.track(in.LocalID) {
			continue
		}
		ok := s.retry(ctx, in)
		s.untrack(in.LocalID)
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	if len(intents) > 0 {
		s.logger.Info("pending sends retried", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	}
	return res
}

func (s *Sender) retry(ctx context.Context, in *model.PendingSendIntent) bool {
	if in.State == model.SendSending {
		// Interrupted by a restart mid-send.
		s.advance(in, model.SendRolledBack)
	}
	if in.State == model.SendRolledBack {
		s.advance(in, model.SendPending)
		if err := s.db.MarkIntent(in.LocalID, model.SendPending, in.Attempts, in.LastError); err != nil {
			s.logger.Warn("failed to mark send intent", zap.String("local_id", in.LocalID), zap.Error(err))
		}
		s.publish(in, "", in.Attempts, nil)
	}

	row, n, err := s.deliver(ctx, in, 1)
	attempts := in.Attempts + n
	if err != nil {
		s.advance(in, model.SendRolledBack)
		if merr := s.db.MarkIntent(in.LocalID, model.SendRolledBack, attempts, err.Error()); merr != nil {
			s.logger.Warn("failed to mark send intent", zap.String("local_id", in.LocalID), zap.Error(merr))
		}
		s.publish(in, "", attempts, err)
		s.logger.Warn("pending send still failing", zap.String("local_id", in.LocalID), zap.Error(err))
		return false
	}

	confirmed := s.confirm(ctx, in, row)
	s.advance(in, model.SendConfirmed)
	s.publish(in, confirmed.ID, attempts, nil)
	return true
}

// deliver moves the intent to sending and attempts the insert up to limit
// times, doubling the delay after each failure. Non-retryable failures end
// the ladder early. It returns the number of attempts made.
func (s *Sender) deliver(ctx context.Context, in *model.PendingSendIntent, limit int) (*remote.MessageRow, int, error) {
	insert := remote.MessageInsert{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MessageType:    messageType(in.Content, in.Attachments),
		Attachments:    in.Attachments,
		ReplyToID:      in.ReplyToID,
	}
	s.advance(in, model.SendSending)

	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := s.db.MarkIntent(in.LocalID, model.SendSending, in.Attempts+attempt, ""); err != nil {
			s.logger.Debug("failed to mark send intent", zap.String("local_id", in.LocalID), zap.Error(err))
		}
		s.publish(in, "", attempt, nil)

		row, err := s.backend.InsertMessage(ctx, insert)
		if err == nil {
			return row, attempt, nil
		}
		lastErr = err
		s.logger.Warn("message insert failed",
			zap.String("local_id", in.LocalID),
			zap.Int("attempt", attempt),
			zap.String("category", string(apperr.Classify(err))),
			zap.Error(err))
		if !apperr.Retryable(err) || attempt == limit {
			return nil, attempt, lastErr
		}
		if err := s.sleep(ctx, backoff(s.cfg.BaseDelay, attempt)); err != nil {
			return nil, attempt, fmt.Errorf("%w (after %v)", err, lastErr)
		}
	}
	return nil, limit, lastErr
}

// confirm drops the durable intent and swaps the optimistic message for
// the server copy.
func (s *Sender) confirm(ctx context.Context, in *model.PendingSendIntent, row *remote.MessageRow) model.Message {
	if err := s.db.DeleteIntent(in.LocalID); err != nil {
		s.logger.Warn("failed to delete send intent", zap.String("local_id", in.LocalID), zap.Error(err))
	}
	var sender *model.Profile
	if row.Sender == nil {
		sender = s.selfProfile()
	}
	confirmed := row.ToMessage(sender)
	confirmed.LocalID = in.LocalID

	err := s.engine.Do(ctx, "send confirmed", func(st *state.Store) {
		st.ReplaceOptimistic(in.LocalID, confirmed)
		st.UpdateConversation(confirmed.ConversationID, func(c *model.Conversation) {
			if c.LastMessage != nil && c.LastMessage.ID == in.LocalID {
				c.LastMessage, c.LastMessageAt = nil, nil
			}
			c.Touch(confirmed)
		})
	})
	if err != nil {
		s.logger.Warn("confirmed message not applied", zap.String("local_id", in.LocalID), zap.Error(err))
	}
	return confirmed
}

// preview is the conversation preview before an optimistic append.
type preview struct {
	last *model.MessagePreview
	at   *time.Time
}

func (s *Sender) rollback(msg model.Message, prev preview) {
	err := s.engine.Do(context.Background(), "send rolled back", func(st *state.Store) {
		intsync.DropMessage(st, msg.ConversationID, msg.ID)
		st.UpdateConversation(msg.ConversationID, func(c *model.Conversation) {
			if c.LastMessageAt == nil || !c.LastMessageAt.Equal(msg.CreatedAt) {
				return
			}
			c.LastMessage, c.LastMessageAt = prev.last, prev.at
		})
	})
	if err != nil {
		s.logger.Warn("rollback not applied", zap.String("local_id", msg.ID), zap.Error(err))
	}
}

func (s *Sender) selfProfile() *model.Profile {
	p, _ := s.engine.Scope().CachedProfile(s.engine.Scope().SelfID())
	return p
}

func (s *Sender) publish(in *model.PendingSendIntent, messageID string, attempt int, err error) {
	if s.bus == nil {
		return
	}
	u := SendUpdate{
		LocalID:        in.LocalID,
		ConversationID: in.ConversationID,
		MessageID:      messageID,
		State:          in.State,
		Attempt:        attempt,
	}
	if err != nil {
		u.Error = apperr.Message(err)
	}
	s.bus.Emit(bus.KindSendState, u)
}

func (s *Sender) advance(in *model.PendingSendIntent, next model.SendState) {
	if !in.State.CanTransition(next) {
		s.logger.Warn("unexpected send state transition",
			zap.String("local_id", in.LocalID),
			zap.String("from", string(in.State)),
			zap.String("to", string(next)))
	}
	in.State = next
}

// track marks localID as in flight. It reports false if it already was.
func (s *Sender) track(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[localID]; busy {
		return false
	}
	s.inflight[localID] = struct{}{}
	return true
}

func (s *Sender) untrack(localID string) {
	s.mu.Lock()
	delete(s.inflight, localID)
	s.mu.Unlock()
}

// backoff returns base doubled once per previous attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

func messageType(content string, attachments []model.Attachment) string {
	if strings.TrimSpace(content) == "" && len(attachments) > 0 && attachments[0].Kind != "" {
		return attachments[0].Kind
	}
	return model.MessageTypeText
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
