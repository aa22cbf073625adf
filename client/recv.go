// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"time"
)

// Recv returns the next queued packet. It waits for one to arrive, for the
// connection to end or for the timeout. Packets already queued are returned
// before a connection error is reported.
func (c *Client) Recv(ctx context.Context) (*Packet, error) {
	return c.waitInbox(ctx, true)
}

// FetchInbox waits until at least one packet is queued without removing it.
func (c *Client) FetchInbox(ctx context.Context) error {
	_, err := c.waitInbox(ctx, false)
	return err
}

// ClearInbox discards every queued packet.
func (c *Client) ClearInbox() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.inbox.clear()
}

func (c *Client) waitInbox(ctx context.Context, pop bool) (*Packet, error) {
	var expired <-chan time.Time
	if d := c.Timeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	for {
		c.readMu.Lock()
		if c.inbox.len() > 0 {
			var p *Packet
			if pop {
				p, _ = c.inbox.pop()
			}
			c.readMu.Unlock()
			return p, nil
		}
		ready := c.inbox.ready
		c.readMu.Unlock()

		_, done, err := c.session()
		if err != nil {
			return nil, err
		}

		select {
		case <-ready:
		case <-done:
		case <-expired:
			return nil, newError(ErrTimeout, nil)
		case <-ctx.Done():
			return nil, ctxError(ctx)
		}
	}
}

// SyncOutbox waits until the broker has acknowledged every buffered message.
// It returns early when the connection ends; the remaining messages are then
// in the backlog.
func (c *Client) SyncOutbox(ctx context.Context) error {
	var expired <-chan time.Time
	if d := c.Timeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	for {
		empty, changed := c.rel.emptyOrChanged()
		if empty {
			return nil
		}
		_, done, err := c.session()
		if err != nil {
			return err
		}
		select {
		case <-changed:
		case <-done:
		case <-expired:
			return newError(ErrTimeout, nil)
		case <-ctx.Done():
			return ctxError(ctx)
		}
	}
}
