package status

import (
	"testing"

	"github.com/matheus3301/convsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Idle, Closed},
		{Connecting, Subscribed},
		{Connecting, Degraded},
		{Connecting, Closed},
		{Subscribed, Degraded},
		{Subscribed, Closed},
		{Degraded, Connecting},
		{Degraded, Closed},
		{Closed, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Subscribed); err == nil {
		t.Error("Transition(IDLE -> SUBSCRIBED) should fail")
	}
}

// TestDegradedRequiresResubscribe verifies a degraded feed cannot jump back
// to SUBSCRIBED without going through CONNECTING.
func TestDegradedRequiresResubscribe(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Degraded)

	if err := m.Transition(Subscribed); err == nil {
		t.Fatal("Transition(DEGRADED -> SUBSCRIBED) should fail")
	}
	if m.Current() != Degraded {
		t.Errorf("state = %s, want DEGRADED (should not have changed)", m.Current())
	}
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("DEGRADED -> CONNECTING: %v", err)
	}
	if err := m.Transition(Subscribed); err != nil {
		t.Fatalf("CONNECTING -> SUBSCRIBED: %v", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("realtime.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	if err := m.TransitionWithReason(Degraded, "join refused"); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindFeedStatus {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindFeedStatus)
	}
	evt = <-ch
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Connecting || change.To != Degraded || change.Reason != "join refused" {
		t.Errorf("change = %+v, want CONNECTING -> DEGRADED (join refused)", change)
	}
	if snap := m.Snapshot(); snap.Reason != "join refused" || snap.State != Degraded {
		t.Errorf("snapshot = %+v", snap)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:       {},
		Connecting: {Connecting},
		Subscribed: {Connecting, Subscribed},
		Degraded:   {Connecting, Degraded},
		Closed:     {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
