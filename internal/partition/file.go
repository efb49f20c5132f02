// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"fmt"
	"io"
	"os"
)

// FileStore keeps a partition in a regular file with positioned I/O.
type FileStore struct {
	path string
	file *os.File
	size int64
}

// OpenFileStore opens or creates the file at path and sizes it. A new or
// resized file reads as erased.
func OpenFileStore(path string, size int64) (*FileStore, error) {
	f, err := ensureFile(path, size)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, file: f, size: size}, nil
}

func (fs *FileStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > fs.size {
		return 0, fmt.Errorf("read offset %d out of range", off)
	}
	if off+int64(len(p)) <= fs.size {
		return fs.file.ReadAt(p, off)
	}
	n, err := fs.file.ReadAt(p[:fs.size-off], off)
	if err == nil {
		err = io.EOF
	}
	return n, err
}

func (fs *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > fs.size {
		return 0, fmt.Errorf("write of %d bytes at offset %d exceeds partition size %d", len(p), off, fs.size)
	}
	return fs.file.WriteAt(p, off)
}

func (fs *FileStore) Size() int64 { return fs.size }

// Sync flushes the file to disk.
func (fs *FileStore) Sync() error {
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s to disk: %w", fs.path, err)
	}
	return nil
}

// Close the file.
func (fs *FileStore) Close() error {
	return fs.file.Close()
}

// ensureFile opens path read-write, creating it, and gives it exactly size
// bytes. Bytes added by growing the file are set to the erased value.
func ensureFile(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	cur := fi.Size()
	if cur == size {
		return f, nil
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to resize partition file: %w", err)
	}
	if cur < size {
		fill := make([]byte, size-cur)
		erase(fill)
		if _, err := f.WriteAt(fill, cur); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to erase partition file: %w", err)
		}
	}
	return f, nil
}
