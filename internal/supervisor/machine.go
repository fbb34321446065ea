package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"nodie/internal/model"
)

// transitions lists the legal successor states of each state.
var transitions = map[model.ConnectionState][]model.ConnectionState{
	model.StateIdle:         {model.StateConnecting, model.StateStopping},
	model.StateConnecting:   {model.StateConnected, model.StateReconnecting, model.StateStopping, model.StateStopped},
	model.StateConnected:    {model.StateReconnecting, model.StateStopping, model.StateStopped},
	model.StateReconnecting: {model.StateConnecting, model.StateStopping, model.StateStopped},
	model.StateStopping:     {model.StateStopped},
	model.StateStopped:      nil,
}

// StateHook observes every transition. It runs with the machine unlocked.
type StateHook func(from, to model.ConnectionState, at time.Time)

// Machine holds the connection state and rejects illegal transitions.
type Machine struct {
	mu    sync.RWMutex
	state model.ConnectionState
	since time.Time
	clock clock.Clock
	hooks []StateHook
}

// NewMachine returns a machine in Idle.
func NewMachine(clk clock.Clock, hooks ...StateHook) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		state: model.StateIdle,
		since: clk.Now(),
		clock: clk,
		hooks: hooks,
	}
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to model.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the given state.
func (m *Machine) Transition(to model.ConnectionState) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	at := m.clock.Now()
	m.state = to
	m.since = at
	hooks := m.hooks
	m.mu.Unlock()

	for _, h := range hooks {
		h(from, to, at)
	}
	return nil
}

// State returns the current state.
func (m *Machine) State() model.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns the current state and when it was entered.
func (m *Machine) Snapshot() (model.ConnectionState, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.since
}
