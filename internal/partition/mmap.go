// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapStore keeps a partition in a memory-mapped file.
// This provides OS-managed persistence and efficient memory usage.
type MmapStore struct {
	path string
	file *os.File
	data mmap.MMap
}

// OpenMmapStore maps the file at path, creating and sizing it as needed.
func OpenMmapStore(path string, size int64) (*MmapStore, error) {
	f, err := ensureFile(path, size)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &MmapStore{path: path, file: f, data: data}, nil
}

func (ms *MmapStore) ReadAt(p []byte, off int64) (int, error) {
	return readAt(ms.data, p, off)
}

func (ms *MmapStore) WriteAt(p []byte, off int64) (int, error) {
	return writeAt(ms.data, p, off)
}

func (ms *MmapStore) Size() int64 { return int64(len(ms.data)) }

// Sync flushes the mapping to disk.
func (ms *MmapStore) Sync() error {
	if ms.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	return ms.data.Flush()
}

// Close unmaps and closes the file.
func (ms *MmapStore) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
