package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/tui/ui"
)

// MessageThread displays the messages of the open conversation above a
// composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	typing   *tview.TextView
	composer *tview.InputField
	selfID   string
	onSend   func(text string)
	onType   func()
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	typing := tview.NewTextView().SetDynamicColors(true)
	typing.SetBackgroundColor(theme.BgColor)
	typing.SetTextColor(theme.MutedColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.LabelColor)
	composer.SetTitle(" Compose (i to focus, :cmd for commands) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		typing:   typing,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		if text != "" && mt.onType != nil {
			mt.onType()
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := composer.GetText()
			if strings.TrimSpace(text) != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetSelf sets the signed-in user.
func (mt *MessageThread) SetSelf(userID string) {
	mt.selfID = userID
}

// SetConversationTitle updates the title above the messages.
func (mt *MessageThread) SetConversationTitle(name string) {
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(sanitize(name))))
}

// SetOnSend sets the callback when the composer is submitted.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// SetOnType sets the callback on every composer edit.
func (mt *MessageThread) SetOnType(fn func()) {
	mt.onType = fn
}

// Update renders msgs oldest first. Unconfirmed sends are marked.
func (mt *MessageThread) Update(msgs []model.Message) {
	mt.messages.Clear()
	now := time.Now()
	for _, m := range msgs {
		if m.DeletedAt != nil {
			continue
		}
		color := ui.Tag(mt.theme.FgColor)
		if m.SenderID == mt.selfID {
			color = ui.Tag(mt.theme.SelfColor)
		}
		marker := ""
		if m.Optimistic {
			marker = " " + ui.Tag(mt.theme.PendingColor) + "(sending)[-]"
		}
		if m.EditedAt != nil {
			marker += " [::d](edited)[-:-:-]"
		}

		body := m.Content
		for _, a := range m.Attachments {
			name := a.Name
			if name == "" {
				name = a.URL
			}
			body += fmt.Sprintf("\n[%s] %s", a.Kind, name)
		}

		_, _ = fmt.Fprintf(mt.messages, "%s[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
			color, tview.Escape(sanitize(senderLabel(m, mt.selfID))),
			formatTime(m.CreatedAt, now), marker,
			tview.Escape(sanitize(strings.TrimSpace(body))))
	}
	mt.messages.ScrollToEnd()
}

// SetTyping shows who else is typing.
func (mt *MessageThread) SetTyping(names []string) {
	mt.typing.Clear()
	switch len(names) {
	case 0:
	case 1:
		_, _ = fmt.Fprintf(mt.typing, " %s is typing...", tview.Escape(names[0]))
	default:
		_, _ = fmt.Fprintf(mt.typing, " %s are typing...", tview.Escape(strings.Join(names, ", ")))
	}
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
