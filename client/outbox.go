// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reliability owns the sequence counter, the ack window, the outbox of
// unacknowledged regular messages and the backlog replayed on connect.
//
// The broker acknowledges with a per connection count. base is the value of
// localSeq when the current connection was established, so base+N is the
// highest local sequence number covered by ACK N.
type reliability struct {
	mu sync.Mutex

	window   uint64
	localSeq uint64
	base     uint64
	lastAck  uint64
	sent     uint64

	outbox  []*OutboundBuffer
	backlog []*OutboundBuffer

	bytesBuffered    uint64
	maxBufferedBytes uint64
	maxOutbox        int

	// space is closed and replaced whenever the outbox shrinks or the
	// connection goes away.
	space chan struct{}

	store  MessageStore
	logger *slog.Logger
}

func newReliability(window uint64, store MessageStore, logger *slog.Logger) *reliability {
	return &reliability{
		window: window,
		space:  make(chan struct{}),
		store:  store,
		logger: logger,
	}
}

// restore loads messages persisted by a previous process into the backlog.
func (r *reliability) restore() error {
	bufs, err := r.store.GetAllOutbound()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backlog = append(r.backlog, bufs...)
	return nil
}

func (r *reliability) setWindow(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = n
}

func (r *reliability) ackWindow() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window
}

// begin marks the start of a connection.
func (r *reliability) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base = r.localSeq
	r.lastAck = 0
}

// push assigns the next sequence number to a regular message and buffers it
// when an ack window is in effect. The caller holds the session write lock
// so sequence order equals wire order.
func (r *reliability) push(buf *OutboundBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.localSeq++
	r.sent++
	buf.Seq = r.localSeq

	if r.window == 0 {
		return
	}

	r.outbox = append(r.outbox, buf)
	r.bytesBuffered += uint64(len(buf.Data))
	if r.bytesBuffered > r.maxBufferedBytes {
		r.maxBufferedBytes = r.bytesBuffered
	}
	if len(r.outbox) > r.maxOutbox {
		r.maxOutbox = len(r.outbox)
	}
	if err := r.store.StoreOutbound(buf.Seq, buf); err != nil {
		r.logger.Warn("scmp_store_outbound_failed",
			slog.Uint64("seq", buf.Seq),
			slog.String("error", err.Error()))
	}
}

// ack drops every outbox entry covered by the cumulative acknowledgment n.
func (r *reliability) ack(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	issued := r.localSeq - r.base
	if n > issued {
		r.logger.Warn("scmp_ack_ahead_of_local_sequence",
			slog.Uint64("ack", n),
			slog.Uint64("issued", issued))
		return
	}
	if n < r.lastAck {
		r.logger.Warn("scmp_ack_regressive",
			slog.Uint64("ack", n),
			slog.Uint64("last_ack", r.lastAck))
		return
	}
	r.lastAck = n

	remaining := int(issued - n)
	trimmed := false
	for len(r.outbox) > remaining {
		head := r.outbox[0]
		r.outbox[0] = nil
		r.outbox = r.outbox[1:]
		r.bytesBuffered -= uint64(len(head.Data))
		if err := r.store.DeleteOutbound(head.Seq); err != nil {
			r.logger.Warn("scmp_store_delete_failed",
				slog.Uint64("seq", head.Seq),
				slog.String("error", err.Error()))
		}
		trimmed = true
	}

	r.logger.Debug("scmp_ack",
		slog.Uint64("ack", n),
		slog.Int("outbox", len(r.outbox)))

	if trimmed {
		r.broadcast()
	}
}

// lost moves the outbox in order to the end of the backlog.
func (r *reliability) lost() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.outbox) > 0 {
		r.backlog = append(r.backlog, r.outbox...)
		r.logger.Info("scmp_backlog_kept", slog.Int("messages", len(r.backlog)))
	}
	r.outbox = nil
	r.bytesBuffered = 0
	r.broadcast()
}

// takeBacklog removes and returns the backlog for replay. The persisted copies
// are dropped since replayed messages are stored again under new sequence
// numbers.
func (r *reliability) takeBacklog() []*OutboundBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	bl := r.backlog
	r.backlog = nil
	if len(bl) > 0 {
		if err := r.store.Reset(); err != nil {
			r.logger.Warn("scmp_store_reset_failed", slog.String("error", err.Error()))
		}
	}
	return bl
}

// returnBacklog puts messages that could not be replayed back behind
// whatever the lost connection left in the backlog.
func (r *reliability) returnBacklog(bufs []*OutboundBuffer) {
	if len(bufs) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.backlog = append(r.backlog, bufs...)
	for _, b := range bufs {
		if err := r.store.StoreOutbound(b.Seq, b); err != nil {
			r.logger.Warn("scmp_store_outbound_failed",
				slog.Uint64("seq", b.Seq),
				slog.String("error", err.Error()))
		}
	}
}

// clear forgets every buffered message. Used by a graceful disconnect.
func (r *reliability) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outbox = nil
	r.backlog = nil
	r.bytesBuffered = 0
	if err := r.store.Reset(); err != nil {
		r.logger.Warn("scmp_store_reset_failed", slog.String("error", err.Error()))
	}
	r.broadcast()
}

func (r *reliability) broadcast() {
	close(r.space)
	r.space = make(chan struct{})
}

// needsWait reports whether a sender must wait for acknowledgments and
// returns the channel signalling a change.
func (r *reliability) needsWait() (bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.window == 0 || r.localSeq-r.base < r.window {
		return false, nil
	}
	if uint64(len(r.outbox)) < r.window {
		return false, nil
	}
	return true, r.space
}

// waitForAck blocks while the outbox is full. It gives up silently on
// timeout, cancellation or connection loss: the message is already buffered.
func (r *reliability) waitForAck(ctx context.Context, timeout time.Duration, done <-chan struct{}) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		wait, ch := r.needsWait()
		if !wait {
			return
		}
		select {
		case <-ch:
		case <-done:
			return
		case <-expired:
			r.logger.Debug("scmp_ack_wait_timeout")
			return
		case <-ctx.Done():
			return
		}
	}
}

// emptyOrChanged reports whether the outbox is empty and returns the channel
// signalling a change otherwise.
func (r *reliability) emptyOrChanged() (bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.window == 0 || len(r.outbox) == 0 {
		return true, nil
	}
	return false, r.space
}

func (r *reliability) outboxLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

func (r *reliability) backlogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// outboxSeqs returns the sequence numbers in the outbox, oldest first.
func (r *reliability) outboxSeqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seqs := make([]uint64, len(r.outbox))
	for i, b := range r.outbox {
		seqs[i] = b.Seq
	}
	return seqs
}

func (r *reliability) fill(s *SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.LocalSequenceNumber = r.localSeq
	s.SentMessages = r.sent
	s.BytesBuffered = r.bytesBuffered
	s.MaxBufferedBytes = r.maxBufferedBytes
	s.OutboxSize = len(r.outbox)
	s.BacklogSize = len(r.backlog)
	s.MaxOutboxSize = r.maxOutbox
}
