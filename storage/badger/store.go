// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger persists unacknowledged SCMP messages in BadgerDB so a
// restarted client can replay them.
package badger

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Store owns the BadgerDB handle shared by the outbox stores opened on it.
type Store struct {
	db *badger.DB

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period, 0 means 5 minutes
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Unacknowledged messages must survive a crash of the process.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:         db,
		gcInterval: interval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	go s.runGC(cfg.InMemory)

	return s, nil
}

// Outbox returns the message store of one client name. Clients sharing a
// database keep their messages apart by name.
func (s *Store) Outbox(clientName string) *OutboxStore {
	return NewOutboxStore(s.db, clientName)
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(inMemory bool) {
	defer close(s.gcDone)

	if inMemory {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
