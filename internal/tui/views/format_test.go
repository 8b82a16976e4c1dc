package views

import (
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

func TestTitle(t *testing.T) {
	conv := model.Conversation{
		ID: "c1",
		Participants: []model.Participant{
			{UserID: "me", Profile: &model.Profile{FullName: "Me"}},
			{UserID: "u2", Profile: &model.Profile{FullName: "Ana Lima"}},
			{UserID: "u3"},
		},
	}
	if got := Title(conv, "me"); got != "Ana Lima, u3" {
		t.Errorf("Title() = %q", got)
	}

	conv.Title = "Admissions 2025"
	if got := Title(conv, "me"); got != "Admissions 2025" {
		t.Errorf("Title() with title = %q", got)
	}

	if got := Title(model.Conversation{ID: "solo", Participants: []model.Participant{{UserID: "me"}}}, "me"); got != "solo" {
		t.Errorf("Title() alone = %q, want id", got)
	}
}

func TestPreview(t *testing.T) {
	conv := model.Conversation{LastMessage: &model.MessagePreview{SenderID: "me", Content: "see\nyou  soon"}}
	if got := preview(conv, "me"); got != "You: see you soon" {
		t.Errorf("preview() = %q", got)
	}
	conv.LastMessage = &model.MessagePreview{SenderID: "u2", Type: "image"}
	if got := preview(conv, "me"); got != "[image]" {
		t.Errorf("preview() attachment = %q", got)
	}
	if got := preview(model.Conversation{}, "me"); got != "" {
		t.Errorf("preview() empty = %q", got)
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 18, 0, 0, 0, time.Local)
	if got := formatTime(time.Date(2024, 5, 1, 9, 5, 0, 0, time.Local), now); got != "09:05" {
		t.Errorf("same day = %q", got)
	}
	if got := formatTime(time.Date(2024, 4, 30, 9, 5, 0, 0, time.Local), now); got != "04/30" {
		t.Errorf("other day = %q", got)
	}
	if got := formatTime(time.Time{}, now); got != "" {
		t.Errorf("zero = %q", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"skin tone", "\U0001F44D\U0001F3FB", "\U0001F44D"},
		{"zwj family", "\U0001F468‍\U0001F469", "\U0001F468\U0001F469"},
		{"variation selector", "❤️", "❤"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitize(tt.in); got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
