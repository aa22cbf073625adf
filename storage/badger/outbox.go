// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/absmach/scmp/client"
	"github.com/dgraph-io/badger/v4"
)

var _ client.MessageStore = (*OutboxStore)(nil)

// OutboxStore implements client.MessageStore using BadgerDB.
//
// Key format: {clientName}/outbox/{seq as 8 byte big endian}, so prefix
// iteration yields messages in sequence order.
type OutboxStore struct {
	db     *badger.DB
	prefix []byte
	// owned is set when the store opened the database itself.
	owned *Store
}

// NewOutboxStore creates a message store on an open database.
func NewOutboxStore(db *badger.DB, clientName string) *OutboxStore {
	return &OutboxStore{
		db:     db,
		prefix: []byte(clientName + "/outbox/"),
	}
}

// Open opens a database dedicated to one client. Closing the returned store
// closes the database.
func Open(cfg Config, clientName string) (*OutboxStore, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	o := s.Outbox(clientName)
	o.owned = s
	return o, nil
}

func (o *OutboxStore) key(seq uint64) []byte {
	k := make([]byte, len(o.prefix)+8)
	copy(k, o.prefix)
	binary.BigEndian.PutUint64(k[len(o.prefix):], seq)
	return k
}

// StoreOutbound stores a message awaiting acknowledgment.
func (o *OutboxStore) StoreOutbound(seq uint64, buf *client.OutboundBuffer) error {
	data, err := json.Marshal(buf)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(o.key(seq), data)
	})
}

// DeleteOutbound removes an acknowledged message.
func (o *OutboxStore) DeleteOutbound(seq uint64) error {
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(o.key(seq))
	})
}

// GetAllOutbound returns all stored messages ordered by sequence number.
func (o *OutboxStore) GetAllOutbound() ([]*client.OutboundBuffer, error) {
	var bufs []*client.OutboundBuffer

	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = o.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var buf client.OutboundBuffer
				if err := json.Unmarshal(val, &buf); err != nil {
					return err
				}
				bufs = append(bufs, &buf)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
		}

		return nil
	})

	return bufs, err
}

// Reset removes every message of this client.
func (o *OutboxStore) Reset() error {
	return o.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = o.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the database when the store opened it.
func (o *OutboxStore) Close() error {
	if o.owned != nil {
		return o.owned.Close()
	}
	return nil
}
