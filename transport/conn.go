// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection errors.
var (
	ErrClosedByPeer = errors.New("connection closed by peer")
	ErrFragmented   = errors.New("fragmented messages are not supported")
	ErrConnClosed   = errors.New("connection is closed")
)

const defaultReadBufferSize = 4096

// Counters is a snapshot of the transport statistics.
type Counters struct {
	BytesSent     uint64
	BytesReceived uint64
	ReadCalls     uint64
	WriteCalls    uint64
}

// Conn is a client side WebSocket connection over an established stream.
// ReadMessage must be called from a single goroutine. WriteMessage is safe for
// concurrent use.
type Conn struct {
	nc      net.Conn
	buf     []byte
	pending []byte
	frame   Frame

	writeMu  sync.Mutex
	writeBuf []byte

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	readCalls     atomic.Uint64
	writeCalls    atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded stream. leftover holds bytes read past the HTTP
// response and stats carries the counters accumulated by the handshake.
func NewConn(nc net.Conn, leftover []byte, stats Counters, readBufferSize, maxMessageSize int) *Conn {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	c := &Conn{
		nc:      nc,
		buf:     make([]byte, readBufferSize),
		pending: leftover,
		frame:   Frame{MaxSize: maxMessageSize},
	}
	c.bytesSent.Store(stats.BytesSent)
	c.bytesReceived.Store(stats.BytesReceived)
	c.readCalls.Store(stats.ReadCalls)
	c.writeCalls.Store(stats.WriteCalls)
	return c
}

// ReadMessage returns the next text or binary message. Pings are answered
// and pongs are skipped. A close frame or end of stream yields
// ErrClosedByPeer.
func (c *Conn) ReadMessage() (Opcode, []byte, error) {
	for {
		if err := c.readFrame(); err != nil {
			return 0, nil, err
		}

		op, payload, fin := c.frame.Opcode, c.frame.Payload, c.frame.Fin
		c.frame.Reset()

		switch op {
		case OpText, OpBinary:
			if !fin {
				return op, nil, ErrFragmented
			}
			return op, payload, nil
		case OpPing:
			if err := c.WriteMessage(OpPong, payload); err != nil {
				return op, nil, err
			}
		case OpPong:
		case OpClose:
			return op, nil, ErrClosedByPeer
		case OpContinuation:
			return op, nil, ErrFragmented
		default:
			return op, nil, fmt.Errorf("%w: opcode %d", ErrFrameProtocol, op)
		}
	}
}

func (c *Conn) readFrame() error {
	for {
		if len(c.pending) > 0 {
			n, err := c.frame.Feed(c.pending)
			c.pending = c.pending[n:]
			if err != nil {
				return err
			}
			if c.frame.Finished() {
				return nil
			}
		}

		n, err := c.nc.Read(c.buf)
		c.readCalls.Add(1)
		if n > 0 {
			c.bytesReceived.Add(uint64(n))
			c.pending = c.buf[:n]
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				if c.closed.Load() {
					return ErrConnClosed
				}
				return ErrClosedByPeer
			}
			return err
		}
	}
}

// WriteMessage sends a single masked frame.
func (c *Conn) WriteMessage(op Opcode, payload []byte) error {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}

	c.writeBuf = AppendFrame(c.writeBuf[:0], op, payload, &key)
	n, err := c.nc.Write(c.writeBuf)
	c.writeCalls.Add(1)
	c.bytesSent.Add(uint64(n))
	return err
}

// SetReadDeadline sets the deadline for ReadMessage.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for WriteMessage.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.nc.SetWriteDeadline(t)
}

// Stats returns the transport counters.
func (c *Conn) Stats() Counters {
	return Counters{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		ReadCalls:     c.readCalls.Load(),
		WriteCalls:    c.writeCalls.Load(),
	}
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
