// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"
)

// pendingType identifies the type of pending operation.
type pendingType int

const (
	pendingSubscribe pendingType = iota
	pendingUnsubscribe
	pendingReceipt
)

func (t pendingType) key(id string) string {
	switch t {
	case pendingSubscribe:
		return "subscribe:" + id
	case pendingUnsubscribe:
		return "unsubscribe:" + id
	default:
		return "receipt:" + id
	}
}

// pendingOp is a call waiting for the reader to observe a broker reply.
type pendingOp struct {
	key     string
	opType  pendingType
	done    chan struct{}
	err     error
	created time.Time
}

// pendingStore manages pending operations keyed by type and group or
// receipt id. Concurrent callers asking for the same key share one op.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
}

func newPendingStore() *pendingStore {
	return &pendingStore{
		pending: make(map[string]*pendingOp),
	}
}

// add registers a pending operation or returns the one already waiting for
// the same reply.
func (ps *pendingStore) add(opType pendingType, id string) *pendingOp {
	key := opType.key(id)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if op, ok := ps.pending[key]; ok {
		return op
	}
	op := &pendingOp{
		key:     key,
		opType:  opType,
		done:    make(chan struct{}),
		created: time.Now(),
	}
	ps.pending[key] = op
	return op
}

// complete finishes a pending operation and reports whether one existed.
func (ps *pendingStore) complete(opType pendingType, id string, err error) bool {
	key := opType.key(id)

	ps.mu.Lock()
	op, ok := ps.pending[key]
	if ok {
		delete(ps.pending, key)
	}
	ps.mu.Unlock()

	if ok {
		op.err = err
		close(op.done)
	}
	return ok
}

// remove drops an operation without completing it.
func (ps *pendingStore) remove(op *pendingOp) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cur, ok := ps.pending[op.key]; ok && cur == op {
		delete(ps.pending, op.key)
	}
}

// clear fails every pending operation with err.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the operation completes, the timeout elapses or ctx is
// done.
func (op *pendingOp) wait(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-op.done:
		return op.err
	case <-expired:
		return newError(ErrTimeout, nil)
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

func ctxError(ctx context.Context) error {
	return &Error{Result: ErrTimeout, Err: ctx.Err()}
}
