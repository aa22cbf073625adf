// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"strconv"

	"github.com/absmach/scmp/internal/bufpool"
)

// Builder assembles a command block. The zero value is not usable, use
// NewBuilder.
type Builder struct {
	command string
	headers []Header
	body    []byte
}

// NewBuilder starts a block for the given command.
func NewBuilder(command string) *Builder {
	return &Builder{command: command}
}

// Header appends a Name:Value line.
func (b *Builder) Header(name, value string) *Builder {
	b.headers = append(b.headers, Header{Name: name, Value: value})
	return b
}

// HeaderInt appends a numeric header.
func (b *Builder) HeaderInt(name string, value int64) *Builder {
	return b.Header(name, strconv.FormatInt(value, 10))
}

// HeaderUint appends an unsigned numeric header.
func (b *Builder) HeaderUint(name string, value uint64) *Builder {
	return b.Header(name, strconv.FormatUint(value, 10))
}

// Flag appends a header line without a value, for example Transient.
func (b *Builder) Flag(name string) *Builder {
	b.headers = append(b.headers, Header{Name: name})
	return b
}

// Body sets the payload. The content length header is not added
// automatically, callers decide whether the command carries one.
func (b *Builder) Body(body []byte) *Builder {
	b.body = body
	return b
}

// Bytes renders the block into a newly allocated slice.
func (b *Builder) Bytes() []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	buf.WriteString(b.command)
	buf.WriteByte('\n')
	for _, h := range b.headers {
		buf.WriteString(h.Name)
		if h.Value != "" {
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(b.body)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
