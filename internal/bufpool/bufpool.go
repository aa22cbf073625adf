// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers used to render command blocks
// and WebSocket frames.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this size are dropped instead of pooled so that a
// single large message does not pin memory.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
