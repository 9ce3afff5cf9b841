// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "sync/atomic"

// State represents the manager lifecycle state.
type State uint32

// Manager states.
const (
	StateStopped State = iota
	StateConnecting
	StateReady
	StateDegradedConnection
	StateDegradedChannel
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegradedConnection:
		return "degraded_connection"
	case StateDegradedChannel:
		return "degraded_channel"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateStopped)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}
