// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
)

// Handle writes one image sequentially into the update partition.
type Handle struct {
	m       *Manager
	part    *Partition
	written int64
	done    bool
}

// Label returns the target partition.
func (h *Handle) Label() string {
	return h.part.Label
}

// Written returns the number of bytes written so far.
func (h *Handle) Written() int64 {
	return h.written
}

// Write appends p to the image. The first byte must be the image magic.
func (h *Handle) Write(p []byte) (int, error) {
	const op = "write update"
	if h.done {
		return 0, failure.Newf(failure.Transfer, op, failure.CodeOTAWrite, "handle is closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if h.written == 0 && p[0] != image.Magic {
		return 0, failure.Newf(failure.Transfer, op, failure.CodeOTAValidate, "bad image magic %#02x", p[0])
	}
	if h.written+int64(len(p)) > h.part.Size() {
		return 0, failure.Newf(failure.Transfer, op, failure.CodeOTAWrite, "image exceeds partition size %d", h.part.Size())
	}

	n, err := h.part.store.WriteAt(p, h.written)
	h.written += int64(n)
	if err != nil {
		return n, failure.New(failure.Transfer, op, failure.CodeOTAWrite, err)
	}
	return n, nil
}

// End finishes the write and validates the image. The handle is closed
// whatever the outcome.
func (h *Handle) End() error {
	if h.done {
		return failure.Newf(failure.Transfer, "end update", failure.CodeOTAEnd, "handle is closed")
	}
	h.close()

	if err := h.part.store.Sync(); err != nil {
		return failure.New(failure.Transfer, "end update", failure.CodeOTAEnd, err)
	}
	if err := h.part.Validate(); err != nil {
		return err
	}
	return nil
}

// Abort closes the handle without validating. The partition keeps whatever
// was written and is never selected for boot by this handle.
func (h *Handle) Abort() {
	if !h.done {
		h.close()
	}
}

func (h *Handle) close() {
	h.done = true
	h.m.release()
}
