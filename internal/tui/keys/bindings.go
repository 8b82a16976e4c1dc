package keys

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Global is the scope of bindings active on every page.
const Global = ""

// Action is a keybinding.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
}

// Matches reports whether ev triggers a.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds keybindings per page in registration order.
type Registry struct {
	scopes map[string][]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string][]*Action)}
}

// Add registers a binding for page, or for every page when page is Global.
func (r *Registry) Add(page string, a *Action) {
	r.scopes[page] = append(r.scopes[page], a)
}

// Hints returns the help line for page: page bindings, then global ones.
func (r *Registry) Hints(page string) string {
	var hints []string
	for _, scope := range []string{page, Global} {
		for _, a := range r.scopes[scope] {
			if a.Description != "" {
				hints = append(hints, a.Description)
			}
		}
		if page == Global {
			break
		}
	}
	return strings.Join(hints, "  ")
}

// HandleEvent runs the first binding of page, then of Global, matching ev.
// It reports whether one ran.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	for _, scope := range []string{page, Global} {
		for _, a := range r.scopes[scope] {
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}
