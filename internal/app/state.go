package app

import "fmt"

// State is the install lifecycle state of an application record.
type State int

const (
	StateUnknown State = iota
	StateAvailable
	StateInstalled
	StateInstalling
	StateRemoving
	StateUpdatable
	StateUpdatableLive
	StateQueuedForInstall
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInstalled:
		return "installed"
	case StateInstalling:
		return "installing"
	case StateRemoving:
		return "removing"
	case StateUpdatable:
		return "updatable"
	case StateUpdatableLive:
		return "updatable-live"
	case StateQueuedForInstall:
		return "queued-for-install"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// validTransitions lists the states reachable from each state. Transitions
// from or to StateUnknown are always allowed so plugins can seed records.
var validTransitions = map[State][]State{
	StateAvailable:        {StateQueuedForInstall, StateInstalling, StateUnavailable},
	StateQueuedForInstall: {StateAvailable, StateInstalling},
	StateInstalling:       {StateInstalled, StateUpdatable, StateUpdatableLive, StateAvailable},
	StateInstalled:        {StateRemoving, StateUpdatable, StateUpdatableLive, StateUnavailable},
	StateRemoving:         {StateAvailable, StateInstalled, StateUnknown},
	StateUpdatable:        {StateRemoving, StateInstalling, StateInstalled},
	StateUpdatableLive:    {StateRemoving, StateInstalling, StateInstalled},
	StateUnavailable:      {StateAvailable},
}

// State returns the current lifecycle state.
func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SetState moves the record to a new lifecycle state. Entering a
// transient state (installing, removing, queued) records the previous
// state so RecoverState can roll back after a failed operation. Illegal
// transitions are rejected.
func (a *App) SetState(state State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setStateLocked(state)
}

func (a *App) setStateLocked(state State) error {
	if state == a.state {
		return nil
	}
	if a.state != StateUnknown && state != StateUnknown {
		allowed := false
		for _, next := range validTransitions[a.state] {
			if next == state {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("invalid state transition %s -> %s for %s", a.state, state, a.id)
		}
	}
	switch state {
	case StateInstalling, StateRemoving, StateQueuedForInstall:
		a.recoverState = a.state
	}
	a.state = state
	a.progress = 0
	return nil
}

// ForceState sets the state without transition validation. Plugins use it
// when seeding records from backend data of known provenance.
func (a *App) ForceState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state != a.state {
		switch state {
		case StateInstalling, StateRemoving, StateQueuedForInstall:
			a.recoverState = a.state
		}
		a.state = state
		a.progress = 0
	}
}

// RecoverState rolls the record back to the state it had before the last
// transient transition. Used when an install or removal fails.
func (a *App) RecoverState() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = a.recoverState
	a.progress = 0
}

// InTransaction reports whether the record is part of an in-flight
// mutating operation.
func (a *App) InTransaction() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch a.state {
	case StateInstalling, StateRemoving, StateQueuedForInstall:
		return true
	}
	return false
}
