package executor

import (
	"errors"
	"fmt"
	"log/slog"
)

// State of a migration run.
type State string

const (
	Idle         State = "idle"
	LockAcquired State = "lock_acquired"
	Planning     State = "planning"
	Executing    State = "executing"
	Verifying    State = "verifying"
	Committed    State = "committed"
	RollingBack  State = "rolling_back"
	RolledBack   State = "rolled_back"
	// FailedPartial means compensation did not restore the prior version.
	FailedPartial State = "failed_partial"
	// Aborted is a refusal before anything was executed.
	Aborted          State = "aborted"
	LockReleaseError State = "lock_release_error"
)

// ErrInvalidTransition is returned for a transition the machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	Idle:         {LockAcquired},
	LockAcquired: {Planning},
	Planning:     {Executing, Committed, Aborted},
	Executing:    {Verifying, RollingBack},
	Verifying:    {Executing, Committed, RollingBack},
	RollingBack:  {RolledBack, FailedPartial},
}

// Terminal reports whether no further work happens in s.
func (s State) Terminal() bool {
	switch s {
	case Committed, RolledBack, FailedPartial, Aborted, LockReleaseError:
		return true
	}
	return false
}

// Machine tracks the state of one run and records every transition.
type Machine struct {
	state  State
	trail  []State
	logger *slog.Logger
}

// NewMachine returns a machine in Idle.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{state: Idle, trail: []State{Idle}, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Trail returns every state visited, in order.
func (m *Machine) Trail() []State {
	return append([]State(nil), m.trail...)
}

// To moves to next. Any state may move to LockReleaseError.
func (m *Machine) To(next State) error {
	if next != LockReleaseError && !allowed(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	if m.logger != nil {
		m.logger.Debug("State transition", "from", m.state, "to", next)
	}
	m.state = next
	m.trail = append(m.trail, next)
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
