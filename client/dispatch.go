// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/absmach/scmp/codec"
	"github.com/absmach/scmp/transport"
)

// errGracefulClose ends the read loop after the broker confirmed a
// DISCONNECT.
var errGracefulClose = errors.New("session closed by receipt")

// readLoop owns the read side of conn until it fails.
func (c *Client) readLoop(conn *transport.Conn, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Detached by Disconnect, Abort or Close.
				return
			default:
			}
			c.connectionLost(conn, transportError(err))
			return
		}

		err = c.dispatch(data)
		switch {
		case err == nil:
		case errors.Is(err, errGracefulClose):
			c.drop(conn, nil)
			return
		default:
			c.connectionLost(conn, err)
			return
		}
	}
}

// dispatch interprets one frame. A returned error ends the session.
func (c *Client) dispatch(data []byte) error {
	block, err := codec.Parse(data)
	if err != nil {
		return newError(ErrNetworkProtocolError, err)
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	switch block.Command {
	case codec.ReplyRecv:
		return c.handleRecv(block)
	case codec.ReplyAck:
		c.handleAck(block)
	case codec.ReplyEnter, codec.ReplyLeave:
		c.handleMembership(block)
	case codec.ReplyState:
		c.handleState(block)
	case codec.ReplyDisconnected:
		c.deliver(&Packet{
			Kind:    PacketDisconnected,
			Subject: header(block, codec.HeaderClient),
		})
	case codec.ReplyReceipt:
		return c.handleReceipt(block)
	case codec.ReplyError:
		return c.handleError(block)
	default:
		c.logger.Debug("scmp_unknown_command", slog.String("command", block.Command))
	}
	return nil
}

func (c *Client) handleRecv(block *codec.Block) error {
	p := &Packet{
		Kind:            PacketData,
		Sender:          header(block, codec.HeaderSender),
		Target:          header(block, codec.HeaderDestination),
		Payload:         block.Body,
		ContentType:     header(block, codec.HeaderMimetype),
		ContentEncoding: header(block, codec.HeaderEncoding),
	}

	if v, ok := block.Get(codec.HeaderSequenceNumber); ok {
		n, err := parseUint(v)
		if err != nil {
			c.logger.Warn("scmp_invalid_sequence_number", slog.String("value", v))
		} else {
			p.SequenceNumber = &n
			seq := n
			c.seqNo = &seq
		}
	}

	c.received++
	c.deliver(p)
	return nil
}

func (c *Client) handleAck(block *codec.Block) {
	v, ok := block.Get(codec.HeaderSequenceNumber)
	if !ok {
		c.logger.Warn("scmp_ack_without_sequence_number")
		return
	}
	n, err := parseUint(v)
	if err != nil {
		c.logger.Warn("scmp_invalid_sequence_number", slog.String("value", v))
		return
	}
	c.rel.ack(n)
}

func (c *Client) handleMembership(block *codec.Block) {
	group := header(block, codec.HeaderGroup)
	member := header(block, codec.HeaderMember)
	self := member != "" && member == c.name

	p := &Packet{Target: group, Sender: member, Subject: member}
	if block.Command == codec.ReplyEnter {
		p.Kind = PacketEnter
		p.Payload = block.Body
		if self {
			c.subscriptions.add(group)
			c.pending.complete(pendingSubscribe, group, nil)
		}
	} else {
		p.Kind = PacketLeave
		if self {
			if !c.subscriptions.remove(group) {
				c.logger.Warn("scmp_leave_untracked_group", slog.String("group", group))
			}
			c.pending.complete(pendingUnsubscribe, group, nil)
		}
	}
	c.deliver(p)
}

func (c *Client) handleState(block *codec.Block) {
	c.received++
	c.deliver(&Packet{
		Kind:    PacketStatus,
		Target:  header(block, codec.HeaderDestination),
		Sender:  header(block, codec.HeaderClient),
		Subject: header(block, codec.HeaderClient),
		Payload: block.Body,
	})
}

func (c *Client) handleReceipt(block *codec.Block) error {
	id := header(block, codec.HeaderReceiptID)
	if id == "" || id != c.name {
		c.logger.Debug("scmp_foreign_receipt", slog.String("id", id))
		return nil
	}
	c.name = ""
	c.inbox.clear()
	c.pending.complete(pendingReceipt, id, nil)
	return errGracefulClose
}

// handleError trims the outbox by the optional sequence number and ends the
// session with the broker's reason.
func (c *Client) handleError(block *codec.Block) error {
	if v, ok := block.Get(codec.HeaderSequenceNumber); ok {
		if n, err := parseUint(v); err == nil {
			c.rel.ack(n)
		} else {
			c.logger.Warn("scmp_invalid_sequence_number", slog.String("value", v))
		}
	}

	err := brokerError(block.Body, ErrConnectionClosedByPeer)
	c.logger.Error("scmp_peer_error",
		slog.Int("code", err.Code),
		slog.String("message", err.Message))
	return err
}

// deliver queues p for Recv. The caller holds readMu.
func (c *Client) deliver(p *Packet) {
	p.Received = time.Now()
	c.inbox.push(p)
	c.metrics.recordReceived(p.Kind)
}

func header(block *codec.Block, name string) string {
	v, _ := block.Get(name)
	return v
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
