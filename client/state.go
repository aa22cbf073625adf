// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the session state.
type State uint32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConnectReply
	StateConnected
	StateDisconnecting
	StateFailed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConnectReply:
		return "awaiting_connect_reply"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

func newStateManager() *stateManager {
	return &stateManager{}
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition attempts to move from one state to another and reports whether
// it happened.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom attempts the transition from any of the given states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

func (sm *stateManager) canConnect() bool {
	s := sm.get()
	return s == StateDisconnected || s == StateFailed
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}

// SessionState is a snapshot of the session counters.
type SessionState struct {
	// LocalSequenceNumber is the number of the last regular message sent.
	LocalSequenceNumber uint64
	// SequenceNumber is the last N received from the broker, nil until one
	// arrives.
	SequenceNumber *uint64

	ReceivedMessages uint64
	SentMessages     uint64

	BytesSent        uint64
	BytesReceived    uint64
	BytesBuffered    uint64
	MaxBufferedBytes uint64

	InboxSize     int
	OutboxSize    int
	BacklogSize   int
	MaxInboxSize  int
	MaxOutboxSize int

	SystemReadCalls  uint64
	SystemWriteCalls uint64
}
