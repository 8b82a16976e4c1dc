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

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	selfID  string
	convs   []model.Conversation
	visible []string
	filter  string
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{Table: table, theme: theme}
}

// SetSelf sets the signed-in user, whose name is left out of titles.
func (cl *ConversationList) SetSelf(userID string) {
	cl.selfID = userID
}

// Update replaces the list, keeping the cursor on the same conversation.
func (cl *ConversationList) Update(convs []model.Conversation) {
	selected := cl.Selected()
	cl.convs = convs
	cl.render()
	cl.selectID(selected)
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

func (cl *ConversationList) matches(conv model.Conversation) bool {
	if cl.filter == "" {
		return true
	}
	f := strings.ToLower(cl.filter)
	return strings.Contains(strings.ToLower(Title(conv, cl.selfID)), f) ||
		strings.Contains(strings.ToLower(preview(conv, cl.selfID)), f)
}

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" NAME", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
		{" UNREAD", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := time.Now()
	cl.visible = cl.visible[:0]
	for _, conv := range cl.convs {
		if !cl.matches(conv) {
			continue
		}
		row := len(cl.visible) + 1
		cl.visible = append(cl.visible, conv.ID)

		fg := cl.theme.FgColor
		unread := ""
		if conv.UnreadCount > 0 {
			fg = cl.theme.UnreadColor
			unread = fmt.Sprintf("%d", conv.UnreadCount)
		}
		var at time.Time
		if conv.LastMessageAt != nil {
			at = *conv.LastMessageAt
		}
		name := Title(conv, cl.selfID)
		if conv.Kind == model.KindGroup {
			name = "# " + name
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitize(name))).SetExpansion(1).SetTextColor(fg))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitize(preview(conv, cl.selfID)))).SetExpansion(2).SetTextColor(cl.theme.MutedColor))
		cl.SetCell(row, 2, tview.NewTableCell(formatTime(at, now)).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(unread).SetTextColor(cl.theme.UnreadColor).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.convs), cl.filter))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

// Selected returns the id of the conversation under the cursor.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	if row < 1 || row > len(cl.visible) {
		return ""
	}
	return cl.visible[row-1]
}

// Conversation returns the listed conversation with id.
func (cl *ConversationList) Conversation(id string) (model.Conversation, bool) {
	for _, c := range cl.convs {
		if c.ID == id {
			return c, true
		}
	}
	return model.Conversation{}, false
}

func (cl *ConversationList) selectID(id string) {
	for i, v := range cl.visible {
		if v == id {
			cl.Select(i+1, 0)
			return
		}
	}
	if len(cl.visible) > 0 {
		cl.Select(1, 0)
	}
}
