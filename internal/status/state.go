package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Disconnect is the
// universal escape hatch: every state may return to Disconnected.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Disconnected},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Error, Disconnected},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ErrorReason returns the reason recorded with the last transition to Error,
// or empty when the machine is not in Error.
func (m *Machine) ErrorReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current != Error {
		return ""
	}
	return m.reason
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail transitions to Error with the given reason.
func (m *Machine) Fail(reason string) error {
	return m.transition(Error, reason)
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
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
	From   State
	To     State
	Reason string
}
