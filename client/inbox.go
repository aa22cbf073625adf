// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

// inbox is the FIFO of packets waiting for Recv. It is not synchronized; the
// session read lock guards it.
type inbox struct {
	items   []*Packet
	head    int
	maxSize int
	// ready is closed and replaced every time a packet is queued.
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{})}
}

func (q *inbox) push(p *Packet) {
	q.items = append(q.items, p)
	if n := q.len(); n > q.maxSize {
		q.maxSize = n
	}
	close(q.ready)
	q.ready = make(chan struct{})
}

func (q *inbox) pop() (*Packet, bool) {
	if q.head == len(q.items) {
		return nil, false
	}
	p := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return p, true
}

func (q *inbox) len() int {
	return len(q.items) - q.head
}

func (q *inbox) clear() {
	q.items = nil
	q.head = 0
}
