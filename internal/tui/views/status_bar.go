package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/convsync/internal/notify"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/tui/ui"
)

// StatusBar displays the session, the feed state and the latest toast.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	session string
	user    string
	feed    status.State
	pending int
	flash   string
	level   notify.Level
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetSession updates the session and user display.
func (sb *StatusBar) SetSession(name, user string) {
	sb.session = name
	sb.user = user
	sb.render()
}

// SetFeed updates the realtime state and the number of unconfirmed sends.
func (sb *StatusBar) SetFeed(st status.State, pending int) {
	sb.feed = st
	sb.pending = pending
	sb.render()
}

// SetFlash sets a temporary message; empty clears it.
func (sb *StatusBar) SetFlash(msg string, level notify.Level) {
	sb.flash = msg
	sb.level = level
	sb.render()
}

func (sb *StatusBar) feedTag() string {
	switch sb.feed {
	case status.Subscribed:
		return "[green]live[-]"
	case status.Connecting:
		return "[yellow]connecting[-]"
	case status.Degraded:
		return "[red]degraded[-]"
	case "":
		return "[gray]offline[-]"
	default:
		return "[gray]" + string(sb.feed) + "[-]"
	}
}

func (sb *StatusBar) render() {
	sb.Clear()

	line := fmt.Sprintf(" [::b]%s[-:-:-]", tview.Escape(sb.session))
	if sb.user != "" {
		line += " (" + tview.Escape(sb.user) + ")"
	}
	line += " | " + sb.feedTag()
	if sb.pending > 0 {
		line += fmt.Sprintf(" | %s%d unsent[-]", ui.Tag(sb.theme.PendingColor), sb.pending)
	}
	line += " | " + time.Now().Format("15:04")

	if sb.flash != "" {
		color := sb.theme.FlashInfoColor
		switch sb.level {
		case notify.LevelSuccess:
			color = sb.theme.FlashOKColor
		case notify.LevelError:
			color = sb.theme.FlashErrColor
		}
		line += " | " + ui.Tag(color) + tview.Escape(sb.flash) + "[-]"
	}

	_, _ = fmt.Fprint(sb, line)
}
