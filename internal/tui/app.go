package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/tui/keys"
	"github.com/matheus3301/convsync/internal/tui/model"
	"github.com/matheus3301/convsync/internal/tui/ui"
	"github.com/matheus3301/convsync/internal/tui/views"
)

const (
	pageList   = "list"
	pageThread = "thread"
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	registry  *keys.Registry
	statusBar *views.StatusBar
	hints     *tview.TextView
	list      *views.ConversationList
	thread    *views.MessageThread
	filter    *tview.InputField
	session   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(d model.Daemon, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(d),
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme),
		hints:     tview.NewTextView().SetDynamicColors(true),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		filter:    tview.NewInputField().SetLabel(" / ").SetFieldWidth(0),
		session:   sessionName,
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetSession(sessionName, "")
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.Add(keys.Global, &keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "q:quit",
		Handler: func() { a.Stop() },
	})
	a.registry.Add(keys.Global, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r', Description: "r:refresh",
		Handler: func() { go func() { _ = a.vm.LoadConversations(a.ctx, true) }() },
	})
	a.registry.Add(pageList, &keys.Action{
		Key: tcell.KeyRune, Rune: '/', Description: "/:filter",
		Handler: func() { a.app.SetFocus(a.filter) },
	})
	a.registry.Add(pageList, &keys.Action{
		Key: tcell.KeyRune, Rune: 'n', Description: "n:new",
		Handler: func() {
			a.openThread("")
			a.thread.Composer().SetText(":start ")
		},
	})
	a.registry.Add(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "i:compose",
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.Add(pageThread, &keys.Action{
		Key: tcell.KeyEscape, Description: "esc:back",
		Handler: func() { a.closeThread() },
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(_, _ int) {
		if id := a.list.Selected(); id != "" {
			a.openThread(id)
		}
	})

	a.filter.SetChangedFunc(func(text string) { a.list.SetFilter(text) })
	a.filter.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			a.filter.SetText("")
		}
		a.app.SetFocus(a.list)
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			_ = a.vm.Send(a.ctx, text)
			if a.vm.ActiveID() == "" {
				a.app.QueueUpdateDraw(func() { a.closeThread() })
			}
		}()
	})
	a.thread.SetOnType(func() {
		go a.vm.Typing(a.ctx)
	})
}

func (a *App) setupLayout() {
	listPage := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.list, 0, 1, true).
		AddItem(a.filter, 1, 0, false)

	a.pages.AddPage(pageList, listPage, true, true)
	a.pages.AddPage(pageThread, a.thread, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.hints, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)
	a.hints.SetText(a.registry.Hints(pageList))

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()

		// Text inputs get every key; Esc leaves the composer.
		if field, ok := a.app.GetFocus().(*tview.InputField); ok {
			if field == a.thread.Composer() && event.Key() == tcell.KeyEscape {
				a.app.SetFocus(a.thread.Messages())
				return nil
			}
			return event
		}

		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

func (a *App) openThread(id string) {
	a.pages.SwitchToPage(pageThread)
	a.hints.SetText(a.registry.Hints(pageThread))
	a.app.SetFocus(a.thread.Composer())
	if conv, ok := a.list.Conversation(id); ok {
		a.thread.SetConversationTitle(views.Title(conv, a.selfID()))
	} else {
		a.thread.SetConversationTitle("New conversation")
	}
	a.thread.Update(nil)
	if id == "" {
		return
	}
	go func() { _ = a.vm.Open(a.ctx, id) }()
}

func (a *App) closeThread() {
	a.pages.SwitchToPage(pageList)
	a.hints.SetText(a.registry.Hints(pageList))
	a.app.SetFocus(a.list)
	go a.vm.Close(a.ctx)
}

func (a *App) selfID() string {
	if st := a.vm.Status(); st != nil {
		return st.UserID
	}
	return ""
}

// render copies the view model into the views. Runs on the UI goroutine.
func (a *App) render() {
	self := a.selfID()
	a.list.SetSelf(self)
	a.thread.SetSelf(self)
	a.list.Update(a.vm.Conversations())

	if id := a.vm.ActiveID(); id != "" {
		if conv, ok := a.list.Conversation(id); ok {
			a.thread.SetConversationTitle(views.Title(conv, self))
		}
		a.thread.Update(a.vm.Messages())
		var names []string
		now := time.Now()
		for _, t := range a.vm.TypingUsers() {
			if t.UserID != self && !t.Expired(now) {
				names = append(names, a.typingName(t.UserID))
			}
		}
		a.thread.SetTyping(names)
	}

	var feed status.State
	pending := 0
	if st := a.vm.Status(); st != nil {
		a.statusBar.SetSession(a.session, st.DisplayName)
		feed = st.Feed.State
		pending = st.Pending
	}
	a.statusBar.SetFeed(feed, pending)
	msg, level := a.vm.Flash.Get()
	a.statusBar.SetFlash(msg, level)
}

func (a *App) typingName(userID string) string {
	conv, ok := a.list.Conversation(a.vm.ActiveID())
	if !ok {
		return userID
	}
	if p, ok := conv.Participant(userID); ok && p.Profile != nil && p.Profile.FullName != "" {
		return p.Profile.FullName
	}
	return userID
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		_ = a.vm.LoadStatus(a.ctx)
		_ = a.vm.LoadConversations(a.ctx, false)
	}()
	go a.vm.Watch(a.ctx)
	go a.refreshLoop()

	return a.app.Run()
}

// refreshLoop redraws on view model changes, and every few seconds so
// flashes and typing indicators expire.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.vm.RefreshCh():
		case <-ticker.C:
			_ = a.vm.LoadStatus(a.ctx)
		case <-a.ctx.Done():
			return
		}
		a.app.QueueUpdateDraw(a.render)
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
