package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/bus"
)

func TestErrorToastHidesBackendText(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindToast, 4)
	defer unsub()

	New(b, nil).Error("send message", errors.New(`new row violates row-level security policy for table "conversation_messages"`))

	select {
	case evt := <-ch:
		toast, ok := evt.Payload.(Toast)
		if !ok {
			t.Fatalf("payload = %T, want Toast", evt.Payload)
		}
		if toast.Level != LevelError {
			t.Errorf("level = %q, want error", toast.Level)
		}
		if toast.Category != apperr.PermissionDenied {
			t.Errorf("category = %q, want %q", toast.Category, apperr.PermissionDenied)
		}
		if toast.Message != apperr.MessageFor(apperr.PermissionDenied) {
			t.Errorf("message = %q", toast.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no toast published")
	}
}

func TestSuccessToast(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("notify.", 4)
	defer unsub()

	New(b, nil).Success("Left conversation")

	evt := <-ch
	if toast := evt.Payload.(Toast); toast.Level != LevelSuccess || toast.Message != "Left conversation" {
		t.Errorf("toast = %+v", toast)
	}
}

func TestNilSinkIsSilent(t *testing.T) {
	var s *Sink
	s.Success("ignored")
	s.Error("op", errors.New("ignored"))
}
