// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/absmach/scmp/codec"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/transport"
)

// SendMessage encodes v with the given content type and encoding and
// publishes it to group.
func (c *Client) SendMessage(ctx context.Context, group string, v any, t MessageType, enc content.Encoding, ct content.Type) error {
	if ct == content.TypeUnset {
		return newError(ErrContentTypeRequired, nil)
	}
	if enc == content.EncodingUnset {
		return newError(ErrContentEncodingRequired, nil)
	}
	data, err := content.Encode(v, ct, enc)
	if err != nil {
		return newError(ErrEncodingError, err)
	}
	return c.SendData(ctx, group, data, t, enc, ct)
}

// SendData publishes an already encoded payload to group. enc and ct only
// label the payload; unset values are left out of the frame.
//
// A regular message is sequenced and kept until the broker acknowledges it.
// When the ack window is full the call waits for acknowledgments, bounded by
// ctx and the client timeout. The message stays buffered if that wait ends
// early.
func (c *Client) SendData(ctx context.Context, group string, data []byte, t MessageType, enc content.Encoding, ct content.Type) error {
	if c.state.isClosed() {
		return newError(ErrClientClosed, nil)
	}
	if group == "" {
		return newError(ErrMissingGroup, nil)
	}

	frame, err := buildSend(group, data, t, enc, ct)
	if err != nil {
		return err
	}
	if limit := c.opts.MaxMessageSize; limit > 0 && len(frame) > limit {
		return &Error{Result: ErrMessageTooLarge, Message: fmt.Sprintf("%d bytes exceed limit of %d", len(frame), limit)}
	}

	if !c.state.isConnected() {
		return newError(ErrNotConnected, nil)
	}

	c.readMu.Lock()
	known := c.groups.has(group)
	c.readMu.Unlock()
	if !known {
		return &Error{Result: ErrGroupDoesNotExist, Message: group}
	}

	conn, done, err := c.session()
	if err != nil {
		return err
	}

	buf := &OutboundBuffer{Group: group, Data: frame, Transient: t != Regular}

	c.writeMu.Lock()
	if c.currentConn() != conn {
		// Dropped while waiting for the lock; nothing was sequenced.
		c.writeMu.Unlock()
		return c.lostCause()
	}
	if t == Regular {
		c.rel.push(buf)
	}
	err = c.write(conn, transport.OpBinary, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.connectionLost(conn, err)
		return err
	}
	c.metrics.recordSent(t, len(frame))

	if t == Regular {
		if wait, _ := c.rel.needsWait(); wait {
			start := time.Now()
			c.rel.waitForAck(ctx, c.Timeout(), done)
			c.metrics.recordAckWait(float64(time.Since(start).Microseconds()) / 1000)
		}
	}
	return nil
}

func buildSend(group string, data []byte, t MessageType, enc content.Encoding, ct content.Type) ([]byte, error) {
	var b *codec.Builder
	switch t {
	case Regular, Transient:
		b = codec.NewBuilder(codec.CmdSend).
			Header(codec.HeaderDestination, group).
			HeaderInt(codec.HeaderContentLength, int64(len(data)))
		if enc != content.EncodingUnset && enc != content.Identity {
			b.Header(codec.HeaderEncoding, enc.String())
		}
		if ct != content.TypeUnset {
			b.Header(codec.HeaderMimetype, ct.String())
		}
		if t == Transient {
			b.Flag(codec.HeaderTransient)
		}
	case Status:
		b = codec.NewBuilder(codec.CmdState).
			Header(codec.HeaderDestination, group).
			HeaderInt(codec.HeaderContentLength, int64(len(data)))
	default:
		return nil, &Error{Result: ErrInvalidMessageType, Message: fmt.Sprintf("type %d", t)}
	}
	return b.Body(data).Bytes(), nil
}

// flushBacklog replays buffered messages as regular sends. The caller holds
// writeMu. On failure it returns the messages that were not written.
func (c *Client) flushBacklog(conn *transport.Conn) ([]*OutboundBuffer, error) {
	backlog := c.rel.takeBacklog()
	if len(backlog) == 0 {
		return nil, nil
	}

	for i, buf := range backlog {
		c.rel.push(buf)
		if err := c.write(conn, transport.OpBinary, buf.Data); err != nil {
			if c.rel.ackWindow() == 0 {
				return backlog[i:], err
			}
			return backlog[i+1:], err
		}
	}

	c.logger.Info("scmp_backlog_flushed", slog.Int("messages", len(backlog)))
	return nil, nil
}

// writeFrame writes one frame under the write lock. A failed write tears the
// session down.
func (c *Client) writeFrame(conn *transport.Conn, op transport.Opcode, data []byte) error {
	c.writeMu.Lock()
	err := c.write(conn, op, data)
	c.writeMu.Unlock()
	if err != nil {
		c.connectionLost(conn, err)
	}
	return err
}

// write sends one frame. The caller holds writeMu.
func (c *Client) write(conn *transport.Conn, op transport.Opcode, data []byte) error {
	if d := c.opts.WriteTimeout; d > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(d))
	}
	if err := conn.WriteMessage(op, data); err != nil {
		return transportError(err)
	}
	return nil
}

// transportError maps transport and framing failures to results.
func transportError(err error) error {
	var ce *Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, transport.ErrClosedByPeer):
		return newError(ErrConnectionClosedByPeer, err)
	case errors.Is(err, transport.ErrConnClosed):
		return newError(ErrNotConnected, err)
	case errors.Is(err, transport.ErrFragmented),
		errors.Is(err, transport.ErrFrameProtocol),
		errors.Is(err, transport.ErrFrameTooLarge),
		errors.Is(err, transport.ErrInvalidResponse),
		errors.Is(err, transport.ErrAcceptMismatch):
		return newError(ErrNetworkProtocolError, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return newError(ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(ErrTimeout, err)
	}
	return newError(ErrNetworkError, err)
}
