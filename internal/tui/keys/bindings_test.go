package keys

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestPageBindingWinsOverGlobal(t *testing.T) {
	r := NewRegistry()
	var got string
	r.Add(Global, &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Handler: func() { got = "global" }})
	r.Add("thread", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:back", Handler: func() { got = "thread" }})

	if !r.HandleEvent("thread", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("binding not handled")
	}
	if got != "thread" {
		t.Errorf("handler = %q, want thread", got)
	}

	if !r.HandleEvent("list", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("global binding not handled")
	}
	if got != "global" {
		t.Errorf("handler = %q, want global", got)
	}

	if r.HandleEvent("list", tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)) {
		t.Error("unbound key handled")
	}
}

func TestSpecialKeys(t *testing.T) {
	r := NewRegistry()
	hit := false
	r.Add("list", &Action{Key: tcell.KeyF5, Handler: func() { hit = true }})

	if !r.HandleEvent("list", tcell.NewEventKey(tcell.KeyF5, 0, tcell.ModNone)) || !hit {
		t.Error("F5 not handled")
	}
}

func TestHintsOrder(t *testing.T) {
	r := NewRegistry()
	r.Add(Global, &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Handler: func() {}})
	r.Add("list", &Action{Key: tcell.KeyEnter, Description: "enter:open", Handler: func() {}})
	r.Add("list", &Action{Key: tcell.KeyRune, Rune: '/', Description: "/:filter", Handler: func() {}})
	r.Add("list", &Action{Key: tcell.KeyRune, Rune: 'x', Handler: func() {}})

	if got, want := r.Hints("list"), "enter:open  /:filter  q:quit"; got != want {
		t.Errorf("Hints(list) = %q, want %q", got, want)
	}
	if got, want := r.Hints(Global), "q:quit"; got != want {
		t.Errorf("Hints(global) = %q, want %q", got, want)
	}
}
