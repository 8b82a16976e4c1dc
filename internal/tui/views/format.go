package views

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/convsync/internal/model"
)

// Title returns the label shown for conv: its title, else the other
// members' names.
func Title(conv model.Conversation, selfID string) string {
	if conv.Title != "" {
		return conv.Title
	}
	var names []string
	for _, p := range conv.Participants {
		if p.UserID == selfID {
			continue
		}
		name := p.UserID
		if p.Profile != nil && p.Profile.FullName != "" {
			name = p.Profile.FullName
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return conv.ID
	}
	return strings.Join(names, ", ")
}

// preview renders the last message of conv on one line.
func preview(conv model.Conversation, selfID string) string {
	lm := conv.LastMessage
	if lm == nil {
		return ""
	}
	text := lm.Content
	if text == "" && lm.Type != "" && lm.Type != "text" {
		text = "[" + lm.Type + "]"
	}
	text = strings.Join(strings.Fields(text), " ")
	if lm.SenderID == selfID {
		text = "You: " + text
	}
	return text
}

func senderLabel(m model.Message, selfID string) string {
	if m.SenderID == selfID {
		return "You"
	}
	if m.Sender != nil && m.Sender.FullName != "" {
		return m.Sender.FullName
	}
	return m.SenderID
}

func formatTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now = now.Local()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// sanitize drops codepoints tcell cannot lay out: skin tone modifiers,
// zero width joiners and variation selectors.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF, r == 0x200D,
			r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
