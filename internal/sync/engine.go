package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/state"
)

// ErrStopped is returned by Do once the engine has stopped.
var ErrStopped = errors.New("sync engine stopped")

// StateChange is the payload of bus.KindStateChanged events.
type StateChange struct {
	Task string `json:"task"`
}

type task struct {
	name string
	fn   func(*state.Store)
	done chan struct{}
}

// Engine is the single writer of the local state store. User actions and
// realtime changes are both submitted as tasks and applied one at a time
// on the engine goroutine.
type Engine struct {
	store  *state.Store
	scope  *Scope
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	tasks   chan task
	stopped chan struct{}
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(st *state.Store, scope *Scope, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   st,
		scope:   scope,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		tasks:   make(chan task, 64),
		stopped: make(chan struct{}),
	}
}

// Store returns the state store for reads.
func (e *Engine) Store() *state.Store { return e.store }

// Scope returns the session scope.
func (e *Engine) Scope() *Scope { return e.scope }

// Start runs the task loop and subscribes to feed changes on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("feed.", 256, bus.Lossless())

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer close(e.stopped)
		e.run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c, ok := evt.Payload.(realtime.Change)
				if !ok {
					continue
				}
				if err := e.HandleChange(ctx, c); err != nil && ctx.Err() == nil {
					e.logger.Error("failed to apply feed change", zap.Error(err),
						zap.String("table", c.Table), zap.String("type", string(c.Type)))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for its goroutines.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	prune := time.NewTicker(time.Second)
	defer prune.Stop()
	for {
		select {
		case t := <-e.tasks:
			t.fn(e.store)
			close(t.done)
			e.bus.Emit(bus.KindStateChanged, StateChange{Task: t.name})
		case <-prune.C:
			if n := e.store.PruneTyping(e.now()); n > 0 {
				e.bus.Emit(bus.KindStateChanged, StateChange{Task: "typing expired"})
			}
		case <-ctx.Done():
			return
		}
	}
}

// Do runs fn on the engine goroutine and waits for it to finish. fn must
// not block: remote calls belong before Do, with only their results
// applied inside it.
func (e *Engine) Do(ctx context.Context, name string, fn func(*state.Store)) error {
	t := task{name: name, fn: fn, done: make(chan struct{})}
	select {
	case e.tasks <- t:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleChange applies one feed change. Changes for conversations outside
// the membership set are ignored.
func (e *Engine) HandleChange(ctx context.Context, c realtime.Change) error {
	switch c.Table {
	case remote.TableMessages:
		return e.handleMessage(ctx, c)
	case remote.TableTyping:
		return e.handleTyping(ctx, c)
	}
	return nil
}

func (e *Engine) handleMessage(ctx context.Context, c realtime.Change) error {
	var row remote.MessageRow
	if err := json.Unmarshal(c.Record, &row); err != nil {
		return fmt.Errorf("decode message change: %w", err)
	}
	if row.ID == "" || !e.scope.IsMember(row.ConversationID) {
		return nil
	}

	switch c.Type {
	case realtime.Insert:
		if row.Deleted() {
			return nil
		}
		sender, err := e.scope.Profile(ctx, row.SenderID)
		if err != nil {
			e.logger.Debug("sender profile unavailable", zap.String("sender_id", row.SenderID), zap.Error(err))
			sender = placeholderProfile(row.SenderID)
		}
		return e.IngestMessage(ctx, row.ToMessage(sender))

	case realtime.Update:
		msg := row.ToMessage(nil)
		if row.Deleted() {
			return e.Do(ctx, "message deleted", func(s *state.Store) {
				DropMessage(s, msg.ConversationID, msg.ID)
			})
		}
		return e.Do(ctx, "message edited", func(s *state.Store) {
			s.UpdateMessage(msg.ConversationID, msg.ID, func(m *model.Message) {
				m.Content = msg.Content
				m.EditedAt = msg.EditedAt
			})
		})
	}
	return nil
}

func (e *Engine) handleTyping(ctx context.Context, c realtime.Change) error {
	raw := c.Record
	if c.Type == realtime.Delete {
		raw = c.OldRecord
	}
	var row remote.TypingRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Errorf("decode typing change: %w", err)
	}
	if !e.scope.IsMember(row.ConversationID) || row.UserID == e.scope.SelfID() {
		return nil
	}

	ind := row.ToIndicator()
	if c.Type == realtime.Delete || ind.Expired(e.now()) {
		return e.Do(ctx, "typing stopped", func(s *state.Store) {
			s.RemoveTyping(ind.ConversationID, ind.UserID)
		})
	}
	return e.Do(ctx, "typing started", func(s *state.Store) {
		s.UpsertTyping(ind)
	})
}

// IngestMessage merges an inbound message into local state.
func (e *Engine) IngestMessage(ctx context.Context, msg model.Message) error {
	self := e.scope.SelfID()
	return e.Do(ctx, "message received", func(s *state.Store) {
		ApplyInbound(s, msg, self)
	})
}

// ApplyInbound merges msg with similarity dedup, advances the conversation
// preview and bumps the unread count when the message is new, from someone
// else, and its conversation is not open.
func ApplyInbound(s *state.Store, msg model.Message, self string) {
	active := s.ActiveID()
	replaced := s.MergeMessage(msg)
	s.RemoveTyping(msg.ConversationID, msg.SenderID)
	s.UpdateConversation(msg.ConversationID, func(c *model.Conversation) {
		c.Touch(msg)
		if !replaced && msg.SenderID != self && c.ID != active {
			c.UnreadCount++
		}
	})
}

// DropMessage removes a message and, if it was the conversation preview,
// falls back to the newest remaining loaded message.
func DropMessage(s *state.Store, conversationID, messageID string) {
	if !s.RemoveMessage(conversationID, messageID) {
		return
	}
	msgs := s.Messages(conversationID)
	s.UpdateConversation(conversationID, func(c *model.Conversation) {
		if c.LastMessage == nil || c.LastMessage.ID != messageID {
			return
		}
		c.LastMessage = nil
		if n := len(msgs); n > 0 {
			c.LastMessage = msgs[n-1].Preview()
		}
	})
}
