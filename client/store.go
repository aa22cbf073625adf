// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"sync"
)

// MessageStore persists regular messages that have not been acknowledged by
// the broker, so that a restarted process can retransmit them.
type MessageStore interface {
	// StoreOutbound stores a message awaiting acknowledgment.
	StoreOutbound(seq uint64, buf *OutboundBuffer) error

	// DeleteOutbound removes a message after acknowledgment.
	DeleteOutbound(seq uint64) error

	// GetAllOutbound returns all stored messages ordered by sequence number.
	GetAllOutbound() ([]*OutboundBuffer, error)

	// Reset clears all stored messages.
	Reset() error

	// Close releases any resources.
	Close() error
}

// MemoryStore is an in-memory implementation of MessageStore.
type MemoryStore struct {
	mu       sync.RWMutex
	outbound map[uint64]*OutboundBuffer
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outbound: make(map[uint64]*OutboundBuffer),
	}
}

func (s *MemoryStore) StoreOutbound(seq uint64, buf *OutboundBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound[seq] = buf.Copy()
	return nil
}

func (s *MemoryStore) DeleteOutbound(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, seq)
	return nil
}

func (s *MemoryStore) GetAllOutbound() ([]*OutboundBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bufs := make([]*OutboundBuffer, 0, len(s.outbound))
	for _, b := range s.outbound {
		bufs = append(bufs, b.Copy())
	}
	slices.SortFunc(bufs, func(a, b *OutboundBuffer) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return bufs, nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = make(map[uint64]*OutboundBuffer)
	return nil
}

func (s *MemoryStore) Close() error {
	return s.Reset()
}

// Ensure MemoryStore implements MessageStore.
var _ MessageStore = (*MemoryStore)(nil)
