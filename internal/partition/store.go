// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"fmt"
	"io"
)

// Store is the raw storage behind one partition.
type Store interface {
	io.ReaderAt
	io.WriterAt
	// Size returns the fixed capacity in bytes.
	Size() int64
	// Sync makes previous writes durable.
	Sync() error
	Close() error
}

// MemoryStore keeps a partition in memory (non-persistent).
type MemoryStore struct {
	data []byte
}

// NewMemoryStore returns an erased store of size bytes.
func NewMemoryStore(size int64) *MemoryStore {
	ms := &MemoryStore{data: make([]byte, size)}
	erase(ms.data)
	return ms
}

func (ms *MemoryStore) ReadAt(p []byte, off int64) (int, error) {
	return readAt(ms.data, p, off)
}

func (ms *MemoryStore) WriteAt(p []byte, off int64) (int, error) {
	return writeAt(ms.data, p, off)
}

func (ms *MemoryStore) Size() int64 { return int64(len(ms.data)) }

func (ms *MemoryStore) Sync() error { return nil }

func (ms *MemoryStore) Close() error { return nil }

// erase fills p with the erased flash value.
func erase(p []byte) {
	for i := range p {
		p[i] = 0xFF
	}
}

func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(data)) {
		return 0, fmt.Errorf("read offset %d out of range", off)
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func writeAt(data, p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return 0, fmt.Errorf("write of %d bytes at offset %d exceeds partition size %d", len(p), off, len(data))
	}
	return copy(data[off:], p), nil
}
