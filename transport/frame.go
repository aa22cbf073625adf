// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
)

// Opcode is a WebSocket frame opcode.
type Opcode byte

// WebSocket opcodes.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// IsControl reports whether the opcode denotes a control frame.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// Frame errors.
var (
	ErrFrameProtocol = errors.New("websocket: protocol error")
	ErrFrameTooLarge = errors.New("websocket: frame exceeds size limit")
)

type frameState uint8

const (
	frameHeader frameState = iota
	frameExtLength
	frameMaskKey
	framePayload
	frameDone
)

const maxControlPayload = 125

// Frame is an incremental WebSocket frame decoder. Bytes are pushed with
// Feed until Finished reports true; the decoded opcode and payload are then
// available until Reset.
type Frame struct {
	Opcode  Opcode
	Fin     bool
	Payload []byte

	// MaxSize bounds the payload length. Zero means unlimited.
	MaxSize int

	state   frameState
	scratch [8]byte
	got     int
	need    int
	masked  bool
	maskKey [4]byte
	length  uint64
}

// Feed consumes bytes from p and returns how many were used. It stops at the
// end of the frame, leftover bytes belong to the next frame.
func (f *Frame) Feed(p []byte) (int, error) {
	n := 0
	for n < len(p) && f.state != frameDone {
		switch f.state {
		case frameHeader:
			f.scratch[f.got] = p[n]
			f.got++
			n++
			if f.got < 2 {
				continue
			}
			b0, b1 := f.scratch[0], f.scratch[1]
			if b0&0x70 != 0 {
				return n, ErrFrameProtocol
			}
			f.Fin = b0&0x80 != 0
			f.Opcode = Opcode(b0 & 0x0f)
			f.masked = b1&0x80 != 0
			f.got = 0
			switch l := b1 & 0x7f; l {
			case 126:
				f.need = 2
				f.state = frameExtLength
			case 127:
				f.need = 8
				f.state = frameExtLength
			default:
				f.length = uint64(l)
				if err := f.lengthKnown(); err != nil {
					return n, err
				}
			}

		case frameExtLength:
			f.scratch[f.got] = p[n]
			f.got++
			n++
			if f.got < f.need {
				continue
			}
			if f.need == 2 {
				f.length = uint64(binary.BigEndian.Uint16(f.scratch[:2]))
			} else {
				f.length = binary.BigEndian.Uint64(f.scratch[:8])
			}
			f.got = 0
			if err := f.lengthKnown(); err != nil {
				return n, err
			}

		case frameMaskKey:
			f.maskKey[f.got] = p[n]
			f.got++
			n++
			if f.got < len(f.maskKey) {
				continue
			}
			f.got = 0
			f.startPayload()

		case framePayload:
			want := int(f.length) - len(f.Payload)
			chunk := p[n:]
			if len(chunk) > want {
				chunk = chunk[:want]
			}
			f.Payload = append(f.Payload, chunk...)
			n += len(chunk)
			if len(f.Payload) == int(f.length) {
				f.finish()
			}
		}
	}
	return n, nil
}

// Finished reports whether a complete frame has been decoded.
func (f *Frame) Finished() bool {
	return f.state == frameDone
}

// Reset prepares the decoder for the next frame. The payload buffer is
// released since callers may still hold it.
func (f *Frame) Reset() {
	*f = Frame{MaxSize: f.MaxSize}
}

func (f *Frame) lengthKnown() error {
	if f.length>>63 != 0 {
		return ErrFrameProtocol
	}
	if f.Opcode.IsControl() && (!f.Fin || f.length > maxControlPayload) {
		return ErrFrameProtocol
	}
	if f.MaxSize > 0 && f.length > uint64(f.MaxSize) {
		return ErrFrameTooLarge
	}
	if f.masked {
		f.state = frameMaskKey
		return nil
	}
	f.startPayload()
	return nil
}

func (f *Frame) startPayload() {
	if f.length == 0 {
		f.finish()
		return
	}
	f.Payload = make([]byte, 0, int(f.length))
	f.state = framePayload
}

func (f *Frame) finish() {
	if f.masked {
		for i := range f.Payload {
			f.Payload[i] ^= f.maskKey[i&3]
		}
	}
	f.state = frameDone
}

// AppendFrame appends a single final frame to dst. A non-nil maskKey masks
// the payload as required for client to server frames.
func AppendFrame(dst []byte, op Opcode, payload []byte, maskKey *[4]byte) []byte {
	var header [14]byte
	header[0] = 0x80 | byte(op)
	n := 2
	switch l := len(payload); {
	case l <= 125:
		header[1] = byte(l)
	case l <= 0xffff:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:4], uint16(l))
		n += 2
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:10], uint64(l))
		n += 8
	}
	if maskKey != nil {
		header[1] |= 0x80
		copy(header[n:n+4], maskKey[:])
		n += 4
	}

	dst = append(dst, header[:n]...)
	start := len(dst)
	dst = append(dst, payload...)
	if maskKey != nil {
		body := dst[start:]
		for i := range body {
			body[i] ^= maskKey[i&3]
		}
	}
	return dst
}
