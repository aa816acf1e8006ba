package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// State describes whether a connection has a bridged AI session.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateClosing  State = "closing"
)

// ErrInvalidTransition is returned when an event does not apply to the current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// Observer is called after every successful transition.
type Observer func(from, to State)

// Machine is a small deterministic AI session state machine. Inactive is both
// initial and re-enterable.
type Machine struct {
	mu       sync.RWMutex
	state    State
	observer Observer
}

// New creates a machine in StateInactive.
func New() *Machine {
	return &Machine{state: StateInactive}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Observe installs an observer, replacing any previous one.
func (m *Machine) Observe(observer Observer) {
	m.mu.Lock()
	m.observer = observer
	m.mu.Unlock()
}

// IsLive reports whether the session is starting or active.
func (m *Machine) IsLive() bool {
	state := m.State()
	return state == StateActive || state == StateStarting
}

// Start moves Inactive to Starting.
func (m *Machine) Start() error {
	return m.transition(StateStarting, StateInactive)
}

// Activate moves Starting to Active once the upstream link is ready.
func (m *Machine) Activate() error {
	return m.transition(StateActive, StateStarting)
}

// Fail returns a starting session to Inactive after an upstream connect failure.
func (m *Machine) Fail() error {
	return m.transition(StateInactive, StateStarting)
}

// Stop ends a starting or active session.
func (m *Machine) Stop() error {
	return m.transition(StateInactive, StateStarting, StateActive)
}

// BeginClosing marks an active session as being closed by the AI.
func (m *Machine) BeginClosing() error {
	return m.transition(StateClosing, StateActive)
}

// Finish completes a closing session.
func (m *Machine) Finish() error {
	return m.transition(StateInactive, StateClosing)
}

// Reset forces Inactive from any state and returns the previous state.
func (m *Machine) Reset() State {
	m.mu.Lock()
	from := m.state
	m.state = StateInactive
	observer := m.observer
	m.mu.Unlock()
	if observer != nil && from != StateInactive {
		observer(from, StateInactive)
	}
	return from
}

func (m *Machine) transition(to State, allowed ...State) error {
	m.mu.Lock()
	from := m.state
	ok := false
	for _, state := range allowed {
		if from == state {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(from, to)
	}
	return nil
}
