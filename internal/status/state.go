// Package status tracks the lifecycle of the realtime change-feed
// subscription.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

// State represents a feed subscription state.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Subscribed State = "SUBSCRIBED"
	Degraded   State = "DEGRADED"
	Closed     State = "CLOSED"
)

// validTransitions defines allowed state transitions. A degraded feed is
// only recovered by an explicit resubscribe, never in-band.
var validTransitions = map[State][]State{
	Idle:       {Connecting, Closed},
	Connecting: {Subscribed, Degraded, Closed},
	Subscribed: {Degraded, Closed},
	Degraded:   {Connecting, Closed},
	Closed:     {Connecting},
}

// Machine tracks and enforces feed state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot describes the current state for status reporting.
type Snapshot struct {
	State  State     `json:"state"`
	Since  time.Time `json:"since"`
	Reason string    `json:"reason,omitempty"`
}

// Snapshot returns the current state, when it was entered and why.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Since: m.since, Reason: m.reason}
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human-readable cause attached
// to the change, typically the error that degraded the feed.
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.reason = reason
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindFeedStatus,
			Timestamp: m.since,
			Payload: StatusChange{
				From:   from,
				To:     to,
				Reason: reason,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}
