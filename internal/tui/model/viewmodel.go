package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	core "github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/notify"
	"github.com/matheus3301/convsync/internal/outbox"
)

const (
	flashTTL       = 5 * time.Second
	typingInterval = 3 * time.Second
)

// Daemon is the part of the control API client the view model uses.
type Daemon interface {
	Status(ctx context.Context) (*api.StatusResponse, error)
	Conversations(ctx context.Context, refresh bool) ([]core.Conversation, error)
	Start(ctx context.Context, userID string) (string, error)
	Open(ctx context.Context, conversationID string) ([]core.Message, error)
	CloseConversation(ctx context.Context, conversationID string) error
	Messages(ctx context.Context, conversationID string) (*api.MessagesResponse, error)
	Send(ctx context.Context, d outbox.Draft) (*core.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	SetTyping(ctx context.Context, conversationID string, active bool) error
	Leave(ctx context.Context, conversationID string) error
	RetryPending(ctx context.Context) (outbox.Result, error)
	Events(ctx context.Context, kinds []string, fn func(api.StreamEvent) bool) error
}

// ViewModel caches daemon state for the views and signals when it changed.
type ViewModel struct {
	mu sync.RWMutex

	daemon        Daemon
	status        *api.StatusResponse
	conversations []core.Conversation
	messages      []core.Message
	typing        []core.TypingIndicator
	activeID      string
	lastTyping    time.Time
	Flash         Flash

	refreshCh chan struct{}
}

// NewViewModel creates a new view model connected to the daemon.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{
		daemon:    d,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

func (vm *ViewModel) fail(what string, err error) error {
	msg := err.Error()
	var ae *api.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	vm.Flash.Set(what+": "+msg, notify.LevelError, flashTTL)
	vm.signalRefresh()
	return err
}

// LoadStatus fetches the session status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.daemon.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadConversations fetches the conversation list; refresh reloads it
// from the backend first.
func (vm *ViewModel) LoadConversations(ctx context.Context, refresh bool) error {
	convs, err := vm.daemon.Conversations(ctx, refresh)
	if err != nil {
		return vm.fail("Load failed", err)
	}
	vm.mu.Lock()
	vm.conversations = convs
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open makes id the active conversation and loads its messages.
func (vm *ViewModel) Open(ctx context.Context, id string) error {
	vm.mu.Lock()
	vm.activeID = id
	vm.messages = nil
	vm.typing = nil
	vm.mu.Unlock()

	msgs, err := vm.daemon.Open(ctx, id)
	if err != nil {
		var ae *api.Error
		if errors.As(err, &ae) && ae.Status == 409 {
			// Another conversation was opened meanwhile.
			return nil
		}
		return vm.fail("Load failed", err)
	}
	vm.mu.Lock()
	if vm.activeID == id {
		vm.messages = msgs
	}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Close clears the active conversation.
func (vm *ViewModel) Close(ctx context.Context) {
	vm.mu.Lock()
	id := vm.activeID
	vm.activeID = ""
	vm.messages = nil
	vm.typing = nil
	vm.mu.Unlock()
	if id != "" {
		_ = vm.daemon.CloseConversation(ctx, id)
	}
	vm.signalRefresh()
}

// Pull reloads the local conversation list and the active thread without
// fetching from the backend.
func (vm *ViewModel) Pull(ctx context.Context) error {
	convs, err := vm.daemon.Conversations(ctx, false)
	if err != nil {
		return err
	}
	id := vm.ActiveID()
	var resp *api.MessagesResponse
	if id != "" {
		if resp, err = vm.daemon.Messages(ctx, id); err != nil {
			return err
		}
	}
	vm.mu.Lock()
	vm.conversations = convs
	if resp != nil && vm.activeID == id {
		vm.messages = resp.Messages
		vm.typing = resp.Typing
	}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Send sends text to the active conversation. Lines starting with ':'
// are commands.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	if strings.HasPrefix(text, ":") {
		return vm.Exec(ctx, ParseCommand(text[1:]))
	}
	id := vm.ActiveID()
	if id == "" {
		return nil
	}
	vm.mu.Lock()
	vm.lastTyping = time.Time{}
	vm.mu.Unlock()

	if _, err := vm.daemon.Send(ctx, outbox.Draft{ConversationID: id, Content: text}); err != nil {
		return vm.fail("Send failed", err)
	}
	return vm.Pull(ctx)
}

// Typing tells the daemon the user is typing, at most once per interval.
func (vm *ViewModel) Typing(ctx context.Context) {
	vm.mu.Lock()
	id := vm.activeID
	if id == "" || time.Since(vm.lastTyping) < typingInterval {
		vm.mu.Unlock()
		return
	}
	vm.lastTyping = time.Now()
	vm.mu.Unlock()
	_ = vm.daemon.SetTyping(ctx, id, true)
}

// Exec runs a composer command.
func (vm *ViewModel) Exec(ctx context.Context, cmd Command) error {
	switch cmd.Name {
	case "start":
		if cmd.Args == "" {
			return vm.fail("Usage", errors.New(":start <user-id>"))
		}
		id, err := vm.daemon.Start(ctx, cmd.Args)
		if err != nil {
			return vm.fail("Start failed", err)
		}
		if err := vm.LoadConversations(ctx, false); err != nil {
			return err
		}
		return vm.Open(ctx, id)
	case "leave":
		id := vm.ActiveID()
		if id == "" {
			return nil
		}
		if err := vm.daemon.Leave(ctx, id); err != nil {
			return vm.fail("Leave failed", err)
		}
		vm.Close(ctx)
		return vm.LoadConversations(ctx, false)
	case "read":
		if id := vm.ActiveID(); id != "" {
			if err := vm.daemon.MarkRead(ctx, id); err != nil {
				return vm.fail("Mark read failed", err)
			}
		}
		return vm.Pull(ctx)
	case "retry":
		res, err := vm.daemon.RetryPending(ctx)
		if err != nil {
			return vm.fail("Retry failed", err)
		}
		vm.Flash.Set(fmt.Sprintf("Retried: %d sent, %d failed", res.Succeeded, res.Failed), notify.LevelInfo, flashTTL)
		return vm.Pull(ctx)
	case "sync":
		return vm.LoadConversations(ctx, true)
	default:
		return vm.fail("Unknown command", errors.New(cmd.Name))
	}
}

// Watch follows the daemon's event stream until ctx is done, reconnecting
// after a second when the stream drops.
func (vm *ViewModel) Watch(ctx context.Context) {
	kinds := []string{bus.KindStateChanged, bus.KindToast, bus.KindFeedStatus}
	for ctx.Err() == nil {
		_ = vm.daemon.Events(ctx, kinds, func(evt api.StreamEvent) bool {
			vm.handle(ctx, evt)
			return true
		})
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

func (vm *ViewModel) handle(ctx context.Context, evt api.StreamEvent) {
	switch evt.Kind {
	case bus.KindToast:
		var t notify.Toast
		if err := json.Unmarshal(evt.Payload, &t); err == nil && t.Message != "" {
			vm.Flash.Set(t.Message, t.Level, flashTTL)
			vm.signalRefresh()
		}
	case bus.KindFeedStatus:
		_ = vm.LoadStatus(ctx)
	case bus.KindStateChanged:
		_ = vm.Pull(ctx)
	}
}

// ActiveID returns the open conversation, or "".
func (vm *ViewModel) ActiveID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activeID
}

// Conversations returns the cached conversation list.
func (vm *ViewModel) Conversations() []core.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Messages returns the cached messages of the active conversation.
func (vm *ViewModel) Messages() []core.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// TypingUsers returns who else is typing in the active conversation.
func (vm *ViewModel) TypingUsers() []core.TypingIndicator {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.typing
}

// Status returns the cached session status, or nil.
func (vm *ViewModel) Status() *api.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}
