// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"strconv"
)

// Parser errors.
var (
	ErrMissingNewline      = errors.New("frame has no command line terminator")
	ErrEmptyCommand        = errors.New("frame has an empty command")
	ErrUnterminatedHeaders = errors.New("header block is not terminated by a blank line")
	ErrInvalidLength       = errors.New("invalid content length header")
	ErrLengthMismatch      = errors.New("content length does not match body size")
)

type parseState uint8

const (
	stateCommand parseState = iota
	stateHeaders
	stateBody
	stateFailed
)

// HeaderReader walks a command block one header line at a time.
//
// A block looks like
//
//	COMMAND\n
//	Name:Value\n
//	...\n
//	\n
//	body
//
// Next returns false once the blank line is reached, at the end of input or
// on error. Body is valid after Next has returned false.
type HeaderReader struct {
	data       []byte
	pos        int
	state      parseState
	command    string
	name       string
	value      string
	terminated bool
	err        error
}

// NewHeaderReader returns a reader positioned before the command line.
func NewHeaderReader(data []byte) *HeaderReader {
	return &HeaderReader{data: data}
}

// Command parses and returns the command line.
func (r *HeaderReader) Command() (string, error) {
	if r.state != stateCommand {
		return r.command, r.err
	}

	i := bytes.IndexByte(r.data, '\n')
	if i < 0 {
		r.fail(ErrMissingNewline)
		return "", r.err
	}

	cmd := string(bytes.TrimSpace(r.data[:i]))
	if cmd == "" {
		r.fail(ErrEmptyCommand)
		return "", r.err
	}

	r.command = cmd
	r.pos = i + 1
	r.state = stateHeaders
	return r.command, nil
}

// Next advances to the next header. It returns false at the blank line
// sentinel, at the end of input, or when the block is malformed.
func (r *HeaderReader) Next() bool {
	if r.state == stateCommand {
		if _, err := r.Command(); err != nil {
			return false
		}
	}
	if r.state != stateHeaders {
		return false
	}

	if r.pos >= len(r.data) {
		r.state = stateBody
		return false
	}

	line := r.data[r.pos:]
	end := bytes.IndexByte(line, '\n')
	if end < 0 {
		r.pos = len(r.data)
	} else {
		line = line[:end]
		r.pos += end + 1
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})

	if len(line) == 0 {
		r.terminated = true
		r.state = stateBody
		return false
	}

	if colon := bytes.IndexByte(line, ':'); colon >= 0 {
		r.name = string(bytes.TrimSpace(line[:colon]))
		r.value = string(bytes.TrimSpace(line[colon+1:]))
	} else {
		r.name = string(bytes.TrimSpace(line))
		r.value = ""
	}

	return true
}

// Name returns the current header name.
func (r *HeaderReader) Name() string { return r.name }

// Value returns the current header value.
func (r *HeaderReader) Value() string { return r.value }

// NameEquals compares the current header name with a protocol token.
// The comparison is case sensitive.
func (r *HeaderReader) NameEquals(token string) bool { return r.name == token }

// Terminated reports whether the blank line ending the headers was seen.
func (r *HeaderReader) Terminated() bool { return r.terminated }

// Body returns the bytes following the header block. It consumes any
// remaining headers first.
func (r *HeaderReader) Body() []byte {
	for r.Next() {
	}
	if r.state != stateBody {
		return nil
	}
	return r.data[r.pos:]
}

// Err returns the first parse error.
func (r *HeaderReader) Err() error { return r.err }

func (r *HeaderReader) fail(err error) {
	r.err = err
	r.state = stateFailed
}

// Header is a single header line.
type Header struct {
	Name  string
	Value string
}

// Block is a fully parsed command block.
type Block struct {
	Command    string
	Headers    []Header
	Body       []byte
	Terminated bool
}

// Get returns the first header with the given name.
func (b *Block) Get(name string) (string, bool) {
	for _, h := range b.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Has reports whether a header with the given name is present.
func (b *Block) Has(name string) bool {
	_, ok := b.Get(name)
	return ok
}

// Parse decodes a whole command block and validates the body length against
// the content length header when present.
func Parse(data []byte) (*Block, error) {
	r := NewHeaderReader(data)
	cmd, err := r.Command()
	if err != nil {
		return nil, err
	}

	b := &Block{Command: cmd}
	for r.Next() {
		b.Headers = append(b.Headers, Header{Name: r.Name(), Value: r.Value()})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	b.Body = r.Body()
	b.Terminated = r.Terminated()

	if v, ok := b.Get(HeaderContentLength); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, ErrInvalidLength
		}
		if n != len(b.Body) {
			return nil, ErrLengthMismatch
		}
	}

	return b, nil
}
