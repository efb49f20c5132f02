// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package line

import "bytes"

// Buffer accumulates received bytes and tracks complete lines in them.
// It is not safe for concurrent use.
type Buffer struct {
	buf   []byte
	limit int
	lines int
}

// NewBuffer returns a Buffer holding at most limit bytes.
func NewBuffer(limit int) *Buffer {
	return &Buffer{
		buf:   make([]byte, 0, limit),
		limit: limit,
	}
}

// Feed appends p and returns how many bytes were discarded to make room.
// Bytes beyond the limit are dropped. When the buffer is full of a single
// unterminated line, that line is dropped so that reception can continue.
func (b *Buffer) Feed(p []byte) (dropped int) {
	if len(b.buf)+len(p) > b.limit && b.lines == 0 {
		dropped += len(b.buf)
		b.buf = b.buf[:0]
	}
	room := b.limit - len(b.buf)
	if len(p) > room {
		dropped += len(p) - room
		p = p[:room]
	}
	b.buf = append(b.buf, p...)
	b.lines += bytes.Count(p, []byte{Terminator})
	return dropped
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Lines returns the number of complete lines in the buffer.
func (b *Buffer) Lines() int {
	return b.lines
}

// Next removes the oldest complete line and returns it without terminator.
func (b *Buffer) Next() ([]byte, bool) {
	if b.lines == 0 {
		return nil, false
	}
	i := bytes.IndexByte(b.buf, Terminator)
	l := make([]byte, i)
	copy(l, b.buf[:i])
	b.consume(i + 1)
	b.lines--
	return l, true
}

// Read removes up to len(p) raw bytes.
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.buf)
	b.lines -= bytes.Count(b.buf[:n], []byte{Terminator})
	b.consume(n)
	return n
}

// Reset discards everything.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.lines = 0
}

func (b *Buffer) consume(n int) {
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}
